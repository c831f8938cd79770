package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies how a balance change originated.
type TransactionType string

const (
	TypeDeduction    TransactionType = "deduction"
	TypeManualUpdate TransactionType = "manual_update"
	TypeSync         TransactionType = "sync"
	TypeReset        TransactionType = "reset"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeduction, TypeManualUpdate, TypeSync, TypeReset:
		return true
	}
	return false
}

// User is an account tracked by the credit ledger. Balance is mutated only
// through Store.Apply; every other field is owned by the upstream sync.
type User struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Email       string          `json:"email"`
	Balance     decimal.Decimal `json:"balance"`
	Groups      []string        `json:"groups"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Group carries the default credit allocation applied during resets.
// A zero default opts the group's members out of resets.
type Group struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	DefaultCredits decimal.Decimal `json:"default_credits"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Model holds per-token unit prices for one upstream model.
type Model struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ContextPrice    decimal.Decimal `json:"context_price"`    // credits per prompt token
	GenerationPrice decimal.Decimal `json:"generation_price"` // credits per completion token
	IsFree          bool            `json:"is_free"`
	IsAvailable     bool            `json:"is_available"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Transaction is one immutable row of the balance audit trail. BalanceAfter
// snapshots the user's balance at commit time so audits never need a replay.
type Transaction struct {
	ID               int64           `json:"id"`
	UUID             string          `json:"uuid"`
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"` // positive = credit, negative = deduction
	Type             TransactionType `json:"transaction_type"`
	Actor            string          `json:"actor"`
	Reason           string          `json:"reason,omitempty"`
	BalanceAfter     decimal.Decimal `json:"balance_after"`
	ModelID          string          `json:"model_id,omitempty"`
	PromptTokens     int64           `json:"prompt_tokens,omitempty"`
	CompletionTokens int64           `json:"completion_tokens,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ApplyRequest describes one balance change for Store.Apply.
type ApplyRequest struct {
	UserID           string
	Amount           decimal.Decimal
	Type             TransactionType
	Actor            string
	Reason           string
	ModelID          string
	PromptTokens     int64
	CompletionTokens int64
}

// Reset event statuses.
const (
	ResetStatusPending   = "pending"
	ResetStatusCompleted = "completed"
	ResetStatusFailed    = "failed"
)

// Reset types.
const (
	ResetTypeMonthly = "monthly"
	ResetTypeManual  = "manual"
)

// ResetEvent summarizes one reset execution. ResetDate is a calendar date
// (YYYY-MM-DD, UTC) and acts as the idempotency key for the monthly due-check.
type ResetEvent struct {
	ID                int64           `json:"id"`
	UUID              string          `json:"uuid"`
	ResetType         string          `json:"reset_type"`
	ResetDate         string          `json:"reset_date"`
	Timestamp         time.Time       `json:"reset_timestamp"`
	UsersAffected     int             `json:"users_affected"`
	TotalCreditsReset decimal.Decimal `json:"total_credits_reset"`
	Status            string          `json:"status"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Metadata          JSONMap         `json:"metadata,omitempty"`
}

// ResetCandidate is one user as seen by the reset engine: current balance plus
// the highest default allocation among the user's groups.
type ResetCandidate struct {
	UserID         string
	Balance        decimal.Decimal
	GroupID        string // group contributing DefaultCredits
	DefaultCredits decimal.Decimal
}

// LogEntry is one row of the system action log.
type LogEntry struct {
	ID        int64     `json:"id"`
	LogType   string    `json:"log_type"`
	Actor     string    `json:"actor"`
	Message   string    `json:"message"`
	Metadata  JSONMap   `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines persistence behaviour for the credit ledger.
//
// Apply is the sole write path for balances: within one storage transaction it
// reads the user's current balance, adds the amount, writes the new balance
// and inserts the transaction row with BalanceAfter set to the result.
// Concurrent Apply calls for the same user are serialized by the store.
type Store interface {
	// Users. Upsert is last-write-wins on identity fields and never touches balance.
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpsertUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, id string) error

	// Groups.
	GetGroup(ctx context.Context, id string) (*Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	UpsertGroup(ctx context.Context, g Group) error

	// Models.
	GetModel(ctx context.Context, id string) (*Model, error)
	ListModels(ctx context.Context) ([]Model, error)
	UpsertModel(ctx context.Context, m Model) error

	// Transaction recorder.
	Apply(ctx context.Context, req ApplyRequest) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)

	// Reset tracking.
	RecordResetEvent(ctx context.Context, ev ResetEvent) (*ResetEvent, error)
	LastCompletedReset(ctx context.Context, resetType string) (*ResetEvent, error)
	ResetHistory(ctx context.Context, limit int) ([]ResetEvent, error)
	ListResetCandidates(ctx context.Context) ([]ResetCandidate, error)

	// System action log.
	LogAction(ctx context.Context, logType, actor, message string, metadata JSONMap) error
	ListLogs(ctx context.Context, limit int) ([]LogEntry, error)

	Close() error
}
