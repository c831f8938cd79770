// Package reset restores user balances to their group defaults and keeps the
// tracking records that make the monthly cycle idempotent.
package reset

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
)

// SystemActor is the actor recorded on transactions written by automated resets.
const SystemActor = "system"

// Engine performs credit resets against a ledger store.
type Engine struct {
	store ledger.Store
	now   func() time.Time
}

// NewEngine returns an Engine over store using the real clock.
func NewEngine(store ledger.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// NewEngineWithClock returns an Engine with an injected clock, for tests and
// for replaying a reset at a fixed instant.
func NewEngineWithClock(store ledger.Store, now func() time.Time) *Engine {
	return &Engine{store: store, now: now}
}

// NeedsMonthlyReset reports whether no completed monthly reset exists for the
// current UTC calendar month. A failed attempt does not count, so the next
// check retries it.
func (e *Engine) NeedsMonthlyReset(ctx context.Context) (bool, error) {
	last, err := e.store.LastCompletedReset(ctx, ledger.ResetTypeMonthly)
	if err != nil {
		return false, fmt.Errorf("load last reset: %w", err)
	}
	if last == nil {
		return true, nil
	}
	lastDate, err := time.Parse("2006-01-02", last.ResetDate)
	if err != nil {
		return false, fmt.Errorf("parse reset date %q: %w", last.ResetDate, err)
	}
	now := e.now().UTC()
	return lastDate.Year() != now.Year() || lastDate.Month() != now.Month(), nil
}

// RunMonthly performs the monthly reset if one is due. It returns (nil, nil)
// when the current month already has a completed reset.
func (e *Engine) RunMonthly(ctx context.Context) (*ledger.ResetEvent, error) {
	due, err := e.NeedsMonthlyReset(ctx)
	if err != nil {
		return nil, err
	}
	if !due {
		return nil, nil
	}
	return e.perform(ctx, ledger.ResetTypeMonthly, SystemActor)
}

// RunManual performs an unconditional reset on behalf of the given actor. It
// does not consult or affect the monthly idempotency check beyond recording
// its own tracking row under the manual type.
func (e *Engine) RunManual(ctx context.Context, actor string) (*ledger.ResetEvent, error) {
	if actor == "" {
		actor = SystemActor
	}
	return e.perform(ctx, ledger.ResetTypeManual, actor)
}

// perform walks every reset candidate and moves each balance to the user's
// group default via one ledger transaction. On the first store failure it
// stops and records a failed event covering only the users already done;
// their transactions stand, and the month stays unmarked so a retry picks up
// where this attempt left off.
func (e *Engine) perform(ctx context.Context, resetType, actor string) (*ledger.ResetEvent, error) {
	candidates, err := e.store.ListResetCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reset candidates: %w", err)
	}

	resetDate := e.now().UTC().Format("2006-01-02")
	affected := 0
	total := decimal.Zero

	for _, c := range candidates {
		if !c.DefaultCredits.IsPositive() {
			continue // a zero or negative default is "no allocation", never a wipe
		}
		amount := c.DefaultCredits.Sub(c.Balance)
		_, err := e.store.Apply(ctx, ledger.ApplyRequest{
			UserID: c.UserID,
			Amount: amount,
			Type:   ledger.TypeReset,
			Actor:  actor,
			Reason: fmt.Sprintf("%s credit reset to group %s default", resetType, c.GroupID),
		})
		if err != nil {
			ev := ledger.ResetEvent{
				ResetType:         resetType,
				ResetDate:         resetDate,
				UsersAffected:     affected,
				TotalCreditsReset: total,
				Status:            ledger.ResetStatusFailed,
				ErrorMessage:      fmt.Sprintf("reset user %s: %v", c.UserID, err),
				Metadata:          ledger.JSONMap{"actor": actor, "candidates": len(candidates)},
			}
			if _, recErr := e.store.RecordResetEvent(ctx, ev); recErr != nil {
				log.Printf("[ERROR] Reset: failed to record failed reset event: %v", recErr)
			}
			return nil, fmt.Errorf("reset user %q: %w", c.UserID, err)
		}
		affected++
		total = total.Add(c.DefaultCredits)
	}

	ev := ledger.ResetEvent{
		ResetType:         resetType,
		ResetDate:         resetDate,
		UsersAffected:     affected,
		TotalCreditsReset: total,
		Status:            ledger.ResetStatusCompleted,
		Metadata:          ledger.JSONMap{"actor": actor, "candidates": len(candidates)},
	}
	recorded, err := e.store.RecordResetEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("record reset event: %w", err)
	}

	if logErr := e.store.LogAction(ctx, "credit_reset", actor,
		fmt.Sprintf("%s reset completed: %d users, %s credits", resetType, affected, total),
		ledger.JSONMap{"reset_date": resetDate, "users_affected": affected}); logErr != nil {
		log.Printf("[WARN] Reset: failed to write action log: %v", logErr)
	}
	log.Printf("[INFO] Reset: %s reset completed: %d users affected, %s credits restored",
		resetType, affected, total)
	return recorded, nil
}
