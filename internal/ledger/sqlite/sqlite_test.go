package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "credits.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dec(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("decimal %q: %v", v, err)
	}
	return d
}

func TestUpsertUserPreservesBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := ledger.User{ID: "u1", DisplayName: "Alice", Email: "alice@example.com", Groups: []string{"students"}}
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	if _, err := s.Apply(ctx, ledger.ApplyRequest{
		UserID: "u1", Amount: dec(t, "25"), Type: ledger.TypeManualUpdate, Actor: "admin",
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Re-syncing identity fields must not touch the balance.
	u.DisplayName = "Alice B"
	u.Groups = []string{"students", "staff"}
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser again: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.DisplayName != "Alice B" {
		t.Errorf("display_name = %q, want %q", got.DisplayName, "Alice B")
	}
	if len(got.Groups) != 2 {
		t.Errorf("groups = %v, want 2 entries", got.Groups)
	}
	if !got.Balance.Equal(dec(t, "25")) {
		t.Errorf("balance = %s, want 25", got.Balance)
	}
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetUser(context.Background(), "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("GetUser error = %v, want ErrNotFound", err)
	}
}

func TestApplyChainsBalanceAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, ledger.User{ID: "u1"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	steps := []struct {
		amount string
		want   string
	}{
		{"10", "10"},
		{"-0.4", "9.6"},
		{"-12", "-2.4"}, // balances may go negative
	}
	for _, st := range steps {
		tx, err := s.Apply(ctx, ledger.ApplyRequest{
			UserID: "u1", Amount: dec(t, st.amount), Type: ledger.TypeManualUpdate, Actor: "admin",
		})
		if err != nil {
			t.Fatalf("Apply %s: %v", st.amount, err)
		}
		if !tx.BalanceAfter.Equal(dec(t, st.want)) {
			t.Fatalf("balance_after = %s, want %s", tx.BalanceAfter, st.want)
		}
	}

	u, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.Balance.Equal(dec(t, "-2.4")) {
		t.Errorf("final balance = %s, want -2.4", u.Balance)
	}

	txs, err := s.ListTransactions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("got %d transactions, want 3", len(txs))
	}
	// Newest first: each row's balance_after equals the previous row's
	// balance_after plus this row's amount.
	for i := 0; i < len(txs)-1; i++ {
		prev := txs[i+1].BalanceAfter
		if !txs[i].BalanceAfter.Equal(prev.Add(txs[i].Amount)) {
			t.Errorf("row %d breaks the balance chain: %s + %s != %s",
				i, prev, txs[i].Amount, txs[i].BalanceAfter)
		}
	}
}

func TestApplySerializesConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, ledger.User{ID: "u1"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if _, err := s.Apply(ctx, ledger.ApplyRequest{
		UserID: "u1", Amount: dec(t, "100"), Type: ledger.TypeManualUpdate, Actor: "admin",
	}); err != nil {
		t.Fatalf("Apply seed: %v", err)
	}

	// Racing deductions on one user must all land: no lost updates.
	const writers = 10
	minusOne := dec(t, "-1")
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Apply(ctx, ledger.ApplyRequest{
				UserID: "u1", Amount: minusOne, Type: ledger.TypeDeduction, Actor: "system",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Apply: %v", err)
		}
	}

	u, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.Balance.Equal(dec(t, "90")) {
		t.Errorf("final balance = %s, want 90", u.Balance)
	}

	txs, err := s.ListTransactions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != writers+1 {
		t.Fatalf("got %d transactions, want %d", len(txs), writers+1)
	}
	// The balance chain must hold across the whole race.
	for i := 0; i < len(txs)-1; i++ {
		prev := txs[i+1].BalanceAfter
		if !txs[i].BalanceAfter.Equal(prev.Add(txs[i].Amount)) {
			t.Errorf("row %d breaks the balance chain: %s + %s != %s",
				i, prev, txs[i].Amount, txs[i].BalanceAfter)
		}
	}
}

func TestApplyUnknownUser(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Apply(context.Background(), ledger.ApplyRequest{
		UserID: "ghost", Amount: dec(t, "1"), Type: ledger.TypeManualUpdate, Actor: "admin",
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("Apply error = %v, want ErrNotFound", err)
	}
}

func TestApplyRejectsInvalidType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertUser(ctx, ledger.User{ID: "u1"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if _, err := s.Apply(ctx, ledger.ApplyRequest{
		UserID: "u1", Amount: dec(t, "1"), Type: "refund", Actor: "admin",
	}); err == nil {
		t.Fatal("Apply accepted an invalid transaction type")
	}
}

func TestApplyRecordsUsageFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertUser(ctx, ledger.User{ID: "u1"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	tx, err := s.Apply(ctx, ledger.ApplyRequest{
		UserID:           "u1",
		Amount:           dec(t, "-0.4"),
		Type:             ledger.TypeDeduction,
		Actor:            "system",
		ModelID:          "gpt-4",
		PromptTokens:     1000,
		CompletionTokens: 100,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tx.UUID == "" {
		t.Error("transaction uuid is empty")
	}

	txs, err := s.ListTransactions(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txs))
	}
	got := txs[0]
	if got.ModelID != "gpt-4" || got.PromptTokens != 1000 || got.CompletionTokens != 100 {
		t.Errorf("usage fields = (%q, %d, %d), want (gpt-4, 1000, 100)",
			got.ModelID, got.PromptTokens, got.CompletionTokens)
	}
	if got.Type != ledger.TypeDeduction {
		t.Errorf("type = %q, want %q", got.Type, ledger.TypeDeduction)
	}
}

func TestModelRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetModel(ctx, "nope"); !errors.Is(err, ledger.ErrUnknownModel) {
		t.Fatalf("GetModel error = %v, want ErrUnknownModel", err)
	}

	m := ledger.Model{
		ID:              "gpt-4",
		Name:            "GPT-4",
		ContextPrice:    dec(t, "0.0001"),
		GenerationPrice: dec(t, "0.003"),
		IsAvailable:     true,
	}
	if err := s.UpsertModel(ctx, m); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}

	got, err := s.GetModel(ctx, "gpt-4")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if !got.ContextPrice.Equal(m.ContextPrice) || !got.GenerationPrice.Equal(m.GenerationPrice) {
		t.Errorf("prices = (%s, %s), want (%s, %s)",
			got.ContextPrice, got.GenerationPrice, m.ContextPrice, m.GenerationPrice)
	}
	if got.IsFree || !got.IsAvailable {
		t.Errorf("flags = (free=%v, available=%v), want (false, true)", got.IsFree, got.IsAvailable)
	}
}

func TestListResetCandidatesPicksHighestDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, g := range []ledger.Group{
		{ID: "students", Name: "Students", DefaultCredits: dec(t, "20")},
		{ID: "staff", Name: "Staff", DefaultCredits: dec(t, "100")},
	} {
		if err := s.UpsertGroup(ctx, g); err != nil {
			t.Fatalf("UpsertGroup %s: %v", g.ID, err)
		}
	}

	users := []ledger.User{
		{ID: "a", Groups: []string{"students"}},
		{ID: "b", Groups: []string{"students", "staff"}},
		{ID: "c", Groups: []string{"unknown"}},
		{ID: "d", Groups: nil},
	}
	for _, u := range users {
		if err := s.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser %s: %v", u.ID, err)
		}
	}

	candidates, err := s.ListResetCandidates(ctx)
	if err != nil {
		t.Fatalf("ListResetCandidates: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2 (users without a known group are skipped)", len(candidates))
	}

	byUser := map[string]ledger.ResetCandidate{}
	for _, c := range candidates {
		byUser[c.UserID] = c
	}
	if c := byUser["a"]; c.GroupID != "students" || !c.DefaultCredits.Equal(dec(t, "20")) {
		t.Errorf("user a: got (%s, %s)", c.GroupID, c.DefaultCredits)
	}
	if c := byUser["b"]; c.GroupID != "staff" || !c.DefaultCredits.Equal(dec(t, "100")) {
		t.Errorf("user b: got (%s, %s), want highest default among memberships", c.GroupID, c.DefaultCredits)
	}
}

func TestResetEventTracking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastCompletedReset(ctx, ledger.ResetTypeMonthly)
	if err != nil {
		t.Fatalf("LastCompletedReset: %v", err)
	}
	if last != nil {
		t.Fatalf("expected no completed reset, got %+v", last)
	}

	events := []ledger.ResetEvent{
		{ResetType: ledger.ResetTypeMonthly, ResetDate: "2026-06-01", Status: ledger.ResetStatusCompleted, UsersAffected: 3},
		{ResetType: ledger.ResetTypeMonthly, ResetDate: "2026-07-01", Status: ledger.ResetStatusFailed, ErrorMessage: "db locked"},
		{ResetType: ledger.ResetTypeMonthly, ResetDate: "2026-07-01", Status: ledger.ResetStatusCompleted, UsersAffected: 5,
			TotalCreditsReset: dec(t, "140"), Metadata: ledger.JSONMap{"trigger": "scheduler"}},
	}
	for _, ev := range events {
		if _, err := s.RecordResetEvent(ctx, ev); err != nil {
			t.Fatalf("RecordResetEvent %s: %v", ev.ResetDate, err)
		}
	}

	last, err = s.LastCompletedReset(ctx, ledger.ResetTypeMonthly)
	if err != nil {
		t.Fatalf("LastCompletedReset: %v", err)
	}
	if last == nil {
		t.Fatal("expected a completed reset")
	}
	if last.ResetDate != "2026-07-01" || last.UsersAffected != 5 {
		t.Errorf("last reset = (%s, %d users), want (2026-07-01, 5)", last.ResetDate, last.UsersAffected)
	}
	if !last.TotalCreditsReset.Equal(dec(t, "140")) {
		t.Errorf("total_credits_reset = %s, want 140", last.TotalCreditsReset)
	}
	if last.Metadata["trigger"] != "scheduler" {
		t.Errorf("metadata = %v, want trigger=scheduler", last.Metadata)
	}

	history, err := s.ResetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("ResetHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d history rows, want 3", len(history))
	}
}

func TestLogActionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.LogAction(ctx, "reset", "system", "monthly reset completed", ledger.JSONMap{"users": float64(5)}); err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	logs, err := s.ListLogs(ctx, 10)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d logs, want 1", len(logs))
	}
	if logs[0].LogType != "reset" || logs[0].Actor != "system" {
		t.Errorf("log = (%q, %q), want (reset, system)", logs[0].LogType, logs[0].Actor)
	}
	if logs[0].Metadata["users"] != float64(5) {
		t.Errorf("metadata = %v, want users=5", logs[0].Metadata)
	}
}

func TestDeleteUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, ledger.User{ID: "u1"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := s.DeleteUser(ctx, "u1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("second DeleteUser error = %v, want ErrNotFound", err)
	}
}
