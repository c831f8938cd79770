// creditreset is a one-shot tool that runs a credit reset from the command
// line, for cron jobs and operator intervention.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/kivzcu/openwebui-credit-system/internal/config"
	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
	ledgerpg "github.com/kivzcu/openwebui-credit-system/internal/ledger/postgres"
	ledgersql "github.com/kivzcu/openwebui-credit-system/internal/ledger/sqlite"
	"github.com/kivzcu/openwebui-credit-system/internal/reset"
)

func main() {
	configPath := flag.String("config", "", "path to the settings file")
	mode := flag.String("mode", "monthly", "reset mode: monthly (only when due) or manual (unconditional)")
	actor := flag.String("actor", "", "operator identity recorded on manual reset transactions")
	check := flag.Bool("check", false, "only report whether a monthly reset is due")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open ledger store: %v", err)
	}
	defer store.Close()

	engine := reset.NewEngine(store)
	ctx := context.Background()

	if *check {
		due, err := engine.NeedsMonthlyReset(ctx)
		if err != nil {
			log.Fatalf("check failed: %v", err)
		}
		if due {
			fmt.Println("monthly reset is due")
		} else {
			fmt.Println("monthly reset already completed this month")
		}
		return
	}

	var ev *ledger.ResetEvent
	switch *mode {
	case "monthly":
		ev, err = engine.RunMonthly(ctx)
	case "manual":
		if *actor == "" {
			log.Fatal("manual mode requires -actor")
		}
		ev, err = engine.RunManual(ctx, *actor)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("reset failed: %v", err)
	}
	if ev == nil {
		fmt.Println("nothing to do: this month's reset is already completed")
		return
	}
	fmt.Printf("%s reset %s: %d users affected, %s credits restored\n",
		ev.ResetType, ev.ResetDate, ev.UsersAffected, ev.TotalCreditsReset)
}

func openStore(cfg config.Config) (ledger.Store, error) {
	if cfg.StorageBackend == "postgres" {
		return ledgerpg.New(cfg.PostgresDSN, cfg.PostgresMaxOpen, cfg.PostgresMaxIdle, cfg.PostgresLifetimeMinutes)
	}
	return ledgersql.New(cfg.LedgerPath)
}
