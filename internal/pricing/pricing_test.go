package pricing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
	"github.com/kivzcu/openwebui-credit-system/internal/ledger/sqlite"
)

func newStore(t *testing.T) ledger.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "credits.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
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

func TestCostPaidModel(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.UpsertModel(ctx, ledger.Model{
		ID:              "gpt-4",
		Name:            "GPT-4",
		ContextPrice:    dec(t, "0.0001"),
		GenerationPrice: dec(t, "0.003"),
		IsAvailable:     true,
	}); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}

	r := NewResolver(store)
	cost, err := r.Cost(ctx, Usage{ModelID: "gpt-4", PromptTokens: 1000, CompletionTokens: 100})
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	// 1000*0.0001 + 100*0.003 = 0.1 + 0.3 = 0.4
	if !cost.Equal(dec(t, "0.4")) {
		t.Errorf("cost = %s, want 0.4", cost)
	}
}

func TestCostFreeModelIgnoresTokens(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.UpsertModel(ctx, ledger.Model{
		ID:              "llama-local",
		Name:            "Local Llama",
		ContextPrice:    dec(t, "0.5"),
		GenerationPrice: dec(t, "0.5"),
		IsFree:          true,
		IsAvailable:     true,
	}); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}

	cost, err := NewResolver(store).Cost(context.Background(), Usage{
		ModelID: "llama-local", PromptTokens: 1_000_000, CompletionTokens: 1_000_000,
	})
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if !cost.IsZero() {
		t.Errorf("cost = %s, want 0", cost)
	}
}

func TestCostUnknownModel(t *testing.T) {
	r := NewResolver(newStore(t))
	if _, err := r.Cost(context.Background(), Usage{ModelID: "nope"}); !errors.Is(err, ledger.ErrUnknownModel) {
		t.Fatalf("Cost error = %v, want ErrUnknownModel", err)
	}
}

func TestCostUnavailableModel(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// The shape a sync leaves behind: known id, no prices, disabled.
	if err := store.UpsertModel(ctx, ledger.Model{ID: "new-model", Name: "new-model"}); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}

	_, err := NewResolver(store).Cost(ctx, Usage{
		ModelID: "new-model", PromptTokens: 1000, CompletionTokens: 500,
	})
	if !errors.Is(err, ledger.ErrModelUnavailable) {
		t.Fatalf("Cost error = %v, want ErrModelUnavailable", err)
	}
}

func TestCostRounding(t *testing.T) {
	m := &ledger.Model{
		ContextPrice:    dec(t, "0.0000001"),
		GenerationPrice: dec(t, "0"),
	}
	// 3 * 0.0000001 = 0.0000003, rounds to 0 at 6 places
	if got := CostFor(m, 3, 0); !got.IsZero() {
		t.Errorf("cost = %s, want 0 after rounding", got)
	}
	// 7 * 0.0000001 = 0.0000007, rounds to 0.000001
	if got := CostFor(m, 7, 0); !got.Equal(dec(t, "0.000001")) {
		t.Errorf("cost = %s, want 0.000001", got)
	}
}

func TestSeedSkipsExistingModels(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// Admin already priced gpt-4; the seed must not clobber it.
	if err := store.UpsertModel(ctx, ledger.Model{
		ID: "gpt-4", Name: "GPT-4", ContextPrice: dec(t, "0.009"), IsAvailable: true,
	}); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	seed := `models:
  - id: gpt-4
    name: GPT-4
    context_price: "0.0001"
    generation_price: "0.003"
  - id: llama-local
    name: Local Llama
    is_free: true
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	f, err := LoadSeedFile(path)
	if err != nil {
		t.Fatalf("LoadSeedFile: %v", err)
	}
	added, err := Seed(ctx, store, f)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}

	kept, err := store.GetModel(ctx, "gpt-4")
	if err != nil {
		t.Fatalf("GetModel gpt-4: %v", err)
	}
	if !kept.ContextPrice.Equal(dec(t, "0.009")) {
		t.Errorf("existing price clobbered: got %s, want 0.009", kept.ContextPrice)
	}

	free, err := store.GetModel(ctx, "llama-local")
	if err != nil {
		t.Fatalf("GetModel llama-local: %v", err)
	}
	if !free.IsFree {
		t.Error("seeded model lost is_free flag")
	}
}

func TestLoadSeedFileRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(path, []byte("models:\n  - name: anonymous\n"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := LoadSeedFile(path); err == nil {
		t.Fatal("expected error for entry without id")
	}
}
