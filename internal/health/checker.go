// Package health reports component status for the credit daemon.
package health

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Status classifies a component check result.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is anything that can confirm its backing connection is alive. Both
// ledger store backends satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Component is one checked subsystem.
type Component struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the aggregate health of the daemon.
type Report struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components"`
}

// Checker runs the configured component checks.
type Checker struct {
	ledger ledgerCheck
	// upstreamPath is the Open WebUI database the sync reads; empty skips
	// the check.
	upstreamPath string
	timeout      time.Duration
}

type ledgerCheck struct {
	pinger Pinger
}

// NewChecker returns a Checker over the ledger backend. upstreamPath may be
// empty when no sync is configured.
func NewChecker(ledger Pinger, upstreamPath string) *Checker {
	return &Checker{
		ledger:       ledgerCheck{pinger: ledger},
		upstreamPath: upstreamPath,
		timeout:      2 * time.Second,
	}
}

// Check runs all component checks. The report is unhealthy when the ledger
// is unreachable and degraded when only the upstream database is missing.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{Status: StatusHealthy}

	report.Components = append(report.Components, c.checkLedger(ctx))
	if c.upstreamPath != "" {
		report.Components = append(report.Components, c.checkUpstream())
	}

	for _, comp := range report.Components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Name == "ledger" {
				report.Status = StatusUnhealthy
			} else if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func (c *Checker) checkLedger(ctx context.Context) Component {
	comp := Component{Name: "ledger", Status: StatusHealthy, Timestamp: time.Now().UTC()}
	if c.ledger.pinger == nil {
		comp.Status = StatusUnhealthy
		comp.Error = "ledger store not configured"
		return comp
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.ledger.pinger.Ping(pingCtx)
	comp.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
	}
	return comp
}

func (c *Checker) checkUpstream() Component {
	comp := Component{Name: "upstream_db", Status: StatusHealthy, Timestamp: time.Now().UTC()}
	info, err := os.Stat(c.upstreamPath)
	switch {
	case err != nil:
		comp.Status = StatusDegraded
		comp.Error = fmt.Sprintf("upstream database unavailable: %v", err)
	case info.IsDir():
		comp.Status = StatusDegraded
		comp.Error = "upstream database path is a directory"
	}
	return comp
}
