// Package credit exposes the admin-facing ledger operations: deductions,
// manual balance updates, and reset status/trigger.
package credit

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
	"github.com/kivzcu/openwebui-credit-system/internal/pricing"
	"github.com/kivzcu/openwebui-credit-system/internal/reset"
)

// Service wires the pricing resolver, the ledger store and the reset engine
// behind the operations the admin surface calls.
type Service struct {
	store    ledger.Store
	resolver *pricing.Resolver
	engine   *reset.Engine
}

// NewService returns a Service over the given collaborators.
func NewService(store ledger.Store, resolver *pricing.Resolver, engine *reset.Engine) *Service {
	return &Service{store: store, resolver: resolver, engine: engine}
}

// Store exposes the underlying ledger for read-only listing endpoints.
func (s *Service) Store() ledger.Store {
	return s.store
}

// RecordDeduction prices the usage and applies it as a negative ledger
// transaction attributed to actor, the identity of the extension reporting
// the usage. An empty actor falls back to the system identity. Free models
// produce a zero-cost transaction so the usage still shows up in the history.
// The balance may go negative; enforcement of a floor is the caller's policy,
// not the ledger's.
func (s *Service) RecordDeduction(ctx context.Context, userID string, u pricing.Usage, actor string) (*ledger.Transaction, error) {
	cost, err := s.resolver.Cost(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("price usage: %w", err)
	}
	if actor == "" {
		actor = reset.SystemActor
	}
	tx, err := s.store.Apply(ctx, ledger.ApplyRequest{
		UserID:           userID,
		Amount:           cost.Neg(),
		Type:             ledger.TypeDeduction,
		Actor:            actor,
		ModelID:          u.ModelID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// SetBalance moves the user's balance to newBalance by applying the
// difference as a manual_update transaction attributed to actor. Setting the
// balance to its current value still writes a zero-amount transaction for
// the audit trail.
func (s *Service) SetBalance(ctx context.Context, userID string, newBalance decimal.Decimal, actor, reason string) (*ledger.Transaction, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	tx, err := s.store.Apply(ctx, ledger.ApplyRequest{
		UserID: userID,
		Amount: newBalance.Sub(u.Balance),
		Type:   ledger.TypeManualUpdate,
		Actor:  actor,
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	if logErr := s.store.LogAction(ctx, "manual_update", actor,
		fmt.Sprintf("balance of %s set to %s", userID, newBalance),
		ledger.JSONMap{"user_id": userID, "balance": newBalance.String()}); logErr != nil {
		return tx, nil // the transaction committed; the log is best effort
	}
	return tx, nil
}

// AdjustBalance applies a signed delta to the user's balance as a
// manual_update transaction.
func (s *Service) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, actor, reason string) (*ledger.Transaction, error) {
	return s.store.Apply(ctx, ledger.ApplyRequest{
		UserID: userID,
		Amount: delta,
		Type:   ledger.TypeManualUpdate,
		Actor:  actor,
		Reason: reason,
	})
}

// ResetStatus is the reset view the admin surface renders.
type ResetStatus struct {
	LastReset *ledger.ResetEvent  `json:"last_reset"`
	ResetDue  bool                `json:"reset_due"`
	History   []ledger.ResetEvent `json:"history"`
}

// ResetStatus reports the last completed monthly reset, whether one is
// currently due, and recent history.
func (s *Service) ResetStatus(ctx context.Context, historyLimit int) (*ResetStatus, error) {
	last, err := s.store.LastCompletedReset(ctx, ledger.ResetTypeMonthly)
	if err != nil {
		return nil, err
	}
	due, err := s.engine.NeedsMonthlyReset(ctx)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ResetHistory(ctx, historyLimit)
	if err != nil {
		return nil, err
	}
	return &ResetStatus{LastReset: last, ResetDue: due, History: history}, nil
}

// TriggerManualReset runs an unconditional reset on behalf of actor.
func (s *Service) TriggerManualReset(ctx context.Context, actor string) (*ledger.ResetEvent, error) {
	return s.engine.RunManual(ctx, actor)
}
