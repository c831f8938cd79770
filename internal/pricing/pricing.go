// Package pricing turns model token usage into credit costs.
package pricing

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
)

// CostScale is the number of decimal places a computed cost is rounded to.
const CostScale = 6

// Usage is the token usage of one completed request.
type Usage struct {
	ModelID          string
	PromptTokens     int64
	CompletionTokens int64
}

// Resolver computes credit costs from the model catalog in the ledger store.
type Resolver struct {
	store ledger.Store
}

// NewResolver returns a Resolver reading model pricing from store.
func NewResolver(store ledger.Store) *Resolver {
	return &Resolver{store: store}
}

// Cost returns the credit cost of the given usage, rounded to CostScale
// decimal places. Free models cost zero regardless of token counts. Unknown
// models return ledger.ErrUnknownModel, and models marked unavailable return
// ledger.ErrModelUnavailable rather than billing zero for usage nobody has
// priced yet.
func (r *Resolver) Cost(ctx context.Context, u Usage) (decimal.Decimal, error) {
	m, err := r.store.GetModel(ctx, u.ModelID)
	if err != nil {
		return decimal.Zero, err
	}
	if !m.IsAvailable {
		return decimal.Zero, fmt.Errorf("model %q: %w", u.ModelID, ledger.ErrModelUnavailable)
	}
	return CostFor(m, u.PromptTokens, u.CompletionTokens), nil
}

// CostFor computes the cost for a model already in hand.
func CostFor(m *ledger.Model, promptTokens, completionTokens int64) decimal.Decimal {
	if m.IsFree {
		return decimal.Zero
	}
	prompt := m.ContextPrice.Mul(decimal.NewFromInt(promptTokens))
	completion := m.GenerationPrice.Mul(decimal.NewFromInt(completionTokens))
	return prompt.Add(completion).Round(CostScale)
}

// SeedFile is the on-disk pricing seed format.
type SeedFile struct {
	Models []SeedModel `yaml:"models"`
}

// SeedModel is one model entry in a pricing seed file. Prices are strings so
// the YAML keeps exact decimal values.
type SeedModel struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	ContextPrice    string `yaml:"context_price"`
	GenerationPrice string `yaml:"generation_price"`
	IsFree          bool   `yaml:"is_free"`
}

// LoadSeedFile parses a YAML pricing seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing seed: %w", err)
	}
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pricing seed: %w", err)
	}
	for i, m := range f.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("pricing seed entry %d: missing model id", i)
		}
	}
	return &f, nil
}

// Seed inserts the file's models into the store, skipping ids that already
// exist. Admin-edited prices win over the seed file on every restart.
func Seed(ctx context.Context, store ledger.Store, f *SeedFile) (int, error) {
	added := 0
	for _, sm := range f.Models {
		if _, err := store.GetModel(ctx, sm.ID); err == nil {
			continue
		}
		m := ledger.Model{
			ID:          sm.ID,
			Name:        sm.Name,
			IsFree:      sm.IsFree,
			IsAvailable: true,
		}
		if m.Name == "" {
			m.Name = sm.ID
		}
		var err error
		if m.ContextPrice, err = parsePrice(sm.ContextPrice); err != nil {
			return added, fmt.Errorf("model %q context_price: %w", sm.ID, err)
		}
		if m.GenerationPrice, err = parsePrice(sm.GenerationPrice); err != nil {
			return added, fmt.Errorf("model %q generation_price: %w", sm.ID, err)
		}
		if err := store.UpsertModel(ctx, m); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
