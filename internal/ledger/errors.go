package ledger

import "errors"

// Error taxonomy surfaced by ledger stores. Callers match with errors.Is;
// stores wrap these with operation context via fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound means a referenced user, group or model does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrUnknownModel means no pricing record exists for a model identifier.
	// The caller decides whether to block the request or charge zero.
	ErrUnknownModel = errors.New("ledger: unknown model")

	// ErrModelUnavailable means the model exists but is disabled for billing.
	// Freshly synced models stay in this state until an admin prices them.
	ErrModelUnavailable = errors.New("ledger: model unavailable")

	// ErrStorage means a durable write could not be committed. Not retriable
	// without re-reading state; blind retries risk caller-side double counting.
	ErrStorage = errors.New("ledger: storage error")

	// ErrConflict means two writers raced on the same user's balance. Stores
	// that serialize writers never return it; it exists for backends that
	// detect rather than prevent the race.
	ErrConflict = errors.New("ledger: concurrency conflict")
)
