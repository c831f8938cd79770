package reset

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
)

func TestSchedulerRunsStartupCheck(t *testing.T) {
	store := newStore(t)
	seedGroupAndUsers(t, store, "50", map[string]string{"u1": "5"})
	engine := NewEngineWithClock(store, fixedClock(t, "2026-08-01T00:00:00Z"))

	sched := NewScheduler(engine, time.Hour)
	sched.Start(context.Background())
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		history, err := store.ResetHistory(context.Background(), 1)
		if err != nil {
			t.Fatalf("ResetHistory: %v", err)
		}
		if len(history) == 1 {
			if history[0].ResetDate != "2026-08-01" {
				t.Fatalf("reset_date = %s, want 2026-08-01", history[0].ResetDate)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("startup check never performed the reset")
}

// stuckStore fails the reset-due check while leaving the action log writable.
type stuckStore struct {
	ledger.Store
}

func (s *stuckStore) LastCompletedReset(ctx context.Context, resetType string) (*ledger.ResetEvent, error) {
	return nil, fmt.Errorf("db locked: %w", ledger.ErrStorage)
}

func TestSchedulerLogsEngineFailure(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(&stuckStore{Store: store})

	sched := NewScheduler(engine, time.Hour)
	sched.Start(context.Background())
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs, err := store.ListLogs(context.Background(), 5)
		if err != nil {
			t.Fatalf("ListLogs: %v", err)
		}
		for _, e := range logs {
			if e.LogType == "scheduler_error" {
				if e.Actor != SystemActor {
					t.Fatalf("actor = %q, want %q", e.Actor, SystemActor)
				}
				if e.Message == "" {
					t.Fatal("scheduler_error log has no message")
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("engine failure never reached the action log")
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store)
	sched := NewScheduler(engine, time.Hour)

	sched.Start(context.Background())
	sched.Stop()
	sched.Stop() // second stop must not panic or block

	// And the scheduler can be restarted.
	sched.Start(context.Background())
	sched.Stop()
}
