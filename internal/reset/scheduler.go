package reset

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultCheckInterval is how often the scheduler re-checks whether a monthly
// reset is due. The check is cheap, so hourly keeps the reset within an hour
// of month rollover without polling aggressively.
const DefaultCheckInterval = time.Hour

// Scheduler periodically asks the Engine whether a monthly reset is due and
// runs it when so. Errors are logged, to the daemon log and the action log,
// and the loop keeps going; the next tick retries.
type Scheduler struct {
	engine   *Engine
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
}

// NewScheduler returns a Scheduler driving engine at the given interval. A
// non-positive interval falls back to DefaultCheckInterval.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Scheduler{engine: engine, interval: interval}
}

// Start launches the background loop. It runs one check immediately so a
// missed month is caught on startup rather than an interval later. Start is
// a no-op if the loop is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.loop(ctx, s.stopCh, s.stopped)
	log.Printf("[INFO] ResetScheduler: started, check interval %s", s.interval)
}

// Stop terminates the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh, stopped := s.stopCh, s.stopped
	s.stopCh, s.stopped = nil, nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-stopped
	log.Printf("[INFO] ResetScheduler: stopped")
}

func (s *Scheduler) loop(ctx context.Context, stopCh, stopped chan struct{}) {
	defer close(stopped)

	s.check(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.check(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) check(ctx context.Context) {
	ev, err := s.engine.RunMonthly(ctx)
	if err != nil {
		log.Printf("[ERROR] ResetScheduler: monthly reset check failed: %v", err)
		// Failures land in the action log too, so admins see them without
		// tailing the daemon log. Best effort: the store may be the problem.
		if logErr := s.engine.store.LogAction(ctx, "scheduler_error", SystemActor,
			fmt.Sprintf("monthly reset check failed: %v", err), nil); logErr != nil {
			log.Printf("[WARN] ResetScheduler: failed to write action log: %v", logErr)
		}
		return
	}
	if ev != nil {
		log.Printf("[INFO] ResetScheduler: monthly reset for %s done, %d users affected",
			ev.ResetDate, ev.UsersAffected)
	}
}
