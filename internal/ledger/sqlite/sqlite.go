package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
//
// The connection pool is capped at a single connection, so every Apply runs
// its read-modify-write cycle as the only writer. That is what serializes
// concurrent balance updates for the same user on this backend.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite credit ledger at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	balance TEXT NOT NULL DEFAULT '0',
	groups TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	default_credits TEXT NOT NULL DEFAULT '0',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	context_price TEXT NOT NULL DEFAULT '0',
	generation_price TEXT NOT NULL DEFAULT '0',
	is_free INTEGER NOT NULL DEFAULT 0,
	is_available INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	user_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	transaction_type TEXT NOT NULL CHECK(transaction_type IN ('deduction','manual_update','sync','reset')),
	actor TEXT NOT NULL,
	reason TEXT,
	balance_after TEXT NOT NULL,
	model_id TEXT,
	prompt_tokens INTEGER,
	completion_tokens INTEGER,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_reset_tracking (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	reset_type TEXT NOT NULL,
	reset_date TEXT NOT NULL,
	reset_timestamp TIMESTAMP NOT NULL,
	users_affected INTEGER NOT NULL DEFAULT 0,
	total_credits_reset TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL DEFAULT 'completed' CHECK(status IN ('pending','completed','failed')),
	error_message TEXT,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS credit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	log_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	message TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON credit_transactions(user_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_reset_tracking_type_date ON credit_reset_tracking(reset_type, reset_date DESC);
CREATE INDEX IF NOT EXISTS idx_logs_type ON credit_logs(log_type);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser returns the user with the given id, or ledger.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*ledger.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, display_name, email, balance, groups, created_at, updated_at
FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", id, ledger.ErrNotFound)
		}
		return nil, err
	}
	return u, nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]ledger.User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, display_name, email, balance, groups, created_at, updated_at
FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpsertUser creates or updates a user's identity fields. The balance column
// is written only on insert (zero); existing balances belong to Apply.
func (s *Store) UpsertUser(ctx context.Context, u ledger.User) error {
	if u.ID == "" {
		return errors.New("user id required")
	}
	groups, err := json.Marshal(u.Groups)
	if err != nil {
		return fmt.Errorf("encode groups: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO users(id, display_name, email, balance, groups, created_at, updated_at)
VALUES(?, ?, ?, '0', ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	display_name = excluded.display_name,
	email = excluded.email,
	groups = excluded.groups,
	updated_at = excluded.updated_at`,
		u.ID, u.DisplayName, u.Email, string(groups), now, now)
	if err != nil {
		return fmt.Errorf("upsert user %q: %w", u.ID, err)
	}
	return nil
}

// DeleteUser removes a user row. Transactions stay for the audit trail.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %q: %w", id, ledger.ErrNotFound)
	}
	return nil
}

// GetGroup returns the group with the given id, or ledger.ErrNotFound.
func (s *Store) GetGroup(ctx context.Context, id string) (*ledger.Group, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, default_credits, created_at, updated_at FROM groups WHERE id = ?`, id)
	var g ledger.Group
	if err := row.Scan(&g.ID, &g.Name, &g.DefaultCredits, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("group %q: %w", id, ledger.ErrNotFound)
		}
		return nil, err
	}
	return &g, nil
}

// ListGroups returns all groups ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]ledger.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, default_credits, created_at, updated_at FROM groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []ledger.Group
	for rows.Next() {
		var g ledger.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.DefaultCredits, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpsertGroup creates or updates a group.
func (s *Store) UpsertGroup(ctx context.Context, g ledger.Group) error {
	if g.ID == "" {
		return errors.New("group id required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO groups(id, name, default_credits, created_at, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	default_credits = excluded.default_credits,
	updated_at = excluded.updated_at`,
		g.ID, g.Name, g.DefaultCredits, now, now)
	if err != nil {
		return fmt.Errorf("upsert group %q: %w", g.ID, err)
	}
	return nil
}

// GetModel returns pricing for the model id, or ledger.ErrUnknownModel.
func (s *Store) GetModel(ctx context.Context, id string) (*ledger.Model, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, context_price, generation_price, is_free, is_available, created_at, updated_at
FROM models WHERE id = ?`, id)
	var m ledger.Model
	if err := row.Scan(&m.ID, &m.Name, &m.ContextPrice, &m.GenerationPrice, &m.IsFree, &m.IsAvailable, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("model %q: %w", id, ledger.ErrUnknownModel)
		}
		return nil, err
	}
	return &m, nil
}

// ListModels returns all models ordered by name.
func (s *Store) ListModels(ctx context.Context) ([]ledger.Model, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, context_price, generation_price, is_free, is_available, created_at, updated_at
FROM models ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []ledger.Model
	for rows.Next() {
		var m ledger.Model
		if err := rows.Scan(&m.ID, &m.Name, &m.ContextPrice, &m.GenerationPrice, &m.IsFree, &m.IsAvailable, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// UpsertModel creates or updates model pricing.
func (s *Store) UpsertModel(ctx context.Context, m ledger.Model) error {
	if m.ID == "" {
		return errors.New("model id required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO models(id, name, context_price, generation_price, is_free, is_available, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	context_price = excluded.context_price,
	generation_price = excluded.generation_price,
	is_free = excluded.is_free,
	is_available = excluded.is_available,
	updated_at = excluded.updated_at`,
		m.ID, m.Name, m.ContextPrice, m.GenerationPrice, m.IsFree, m.IsAvailable, now, now)
	if err != nil {
		return fmt.Errorf("upsert model %q: %w", m.ID, err)
	}
	return nil
}

// Apply atomically adds req.Amount to the user's balance and appends the
// transaction row with the resulting balance snapshot.
func (s *Store) Apply(ctx context.Context, req ledger.ApplyRequest) (*ledger.Transaction, error) {
	if req.UserID == "" {
		return nil, errors.New("apply requires user id")
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("invalid transaction type %q", req.Type)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin apply: %w", ledger.ErrStorage)
	}
	defer func() { _ = tx.Rollback() }()

	var balance decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, req.UserID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", req.UserID, ledger.ErrNotFound)
		}
		return nil, fmt.Errorf("read balance: %v: %w", err, ledger.ErrStorage)
	}

	newBalance := balance.Add(req.Amount)
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = ?, updated_at = ? WHERE id = ?`,
		newBalance, now, req.UserID); err != nil {
		return nil, fmt.Errorf("write balance: %v: %w", err, ledger.ErrStorage)
	}

	entry := ledger.Transaction{
		UUID:             uuid.NewString(),
		UserID:           req.UserID,
		Amount:           req.Amount,
		Type:             req.Type,
		Actor:            req.Actor,
		Reason:           req.Reason,
		BalanceAfter:     newBalance,
		ModelID:          req.ModelID,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		CreatedAt:        now,
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO credit_transactions(uuid, user_id, amount, transaction_type, actor, reason, balance_after, model_id, prompt_tokens, completion_tokens, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UUID, entry.UserID, entry.Amount, string(entry.Type), entry.Actor,
		nullString(entry.Reason), entry.BalanceAfter, nullString(entry.ModelID),
		nullInt(entry.PromptTokens), nullInt(entry.CompletionTokens), now)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %v: %w", err, ledger.ErrStorage)
	}
	entry.ID, _ = res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply: %v: %w", err, ledger.ErrStorage)
	}
	return &entry, nil
}

// ListTransactions returns the latest transactions, newest first. An empty
// userID lists across all users.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT id, uuid, user_id, amount, transaction_type, actor, reason, balance_after, model_id, prompt_tokens, completion_tokens, created_at
FROM credit_transactions`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Transaction
	for rows.Next() {
		var e ledger.Transaction
		var txType string
		var reason, modelID sql.NullString
		var prompt, completion sql.NullInt64
		if err := rows.Scan(&e.ID, &e.UUID, &e.UserID, &e.Amount, &txType, &e.Actor,
			&reason, &e.BalanceAfter, &modelID, &prompt, &completion, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = ledger.TransactionType(txType)
		e.Reason = reason.String
		e.ModelID = modelID.String
		e.PromptTokens = prompt.Int64
		e.CompletionTokens = completion.Int64
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordResetEvent appends one reset tracking row.
func (s *Store) RecordResetEvent(ctx context.Context, ev ledger.ResetEvent) (*ledger.ResetEvent, error) {
	if ev.UUID == "" {
		ev.UUID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO credit_reset_tracking(uuid, reset_type, reset_date, reset_timestamp, users_affected, total_credits_reset, status, error_message, metadata)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UUID, ev.ResetType, ev.ResetDate, ev.Timestamp, ev.UsersAffected,
		ev.TotalCreditsReset, ev.Status, nullString(ev.ErrorMessage), ev.Metadata)
	if err != nil {
		return nil, fmt.Errorf("record reset event: %v: %w", err, ledger.ErrStorage)
	}
	ev.ID, _ = res.LastInsertId()
	return &ev, nil
}

// LastCompletedReset returns the most recent completed reset of the given
// type, or nil when none exists.
func (s *Store) LastCompletedReset(ctx context.Context, resetType string) (*ledger.ResetEvent, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, uuid, reset_type, reset_date, reset_timestamp, users_affected, total_credits_reset, status, error_message, metadata
FROM credit_reset_tracking
WHERE reset_type = ? AND status = 'completed'
ORDER BY reset_date DESC, id DESC LIMIT 1`, resetType)
	ev, err := scanResetEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ev, nil
}

// ResetHistory returns recent reset events, newest first.
func (s *Store) ResetHistory(ctx context.Context, limit int) ([]ledger.ResetEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, uuid, reset_type, reset_date, reset_timestamp, users_affected, total_credits_reset, status, error_message, metadata
FROM credit_reset_tracking
ORDER BY reset_timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ledger.ResetEvent
	for rows.Next() {
		ev, err := scanResetEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// ListResetCandidates resolves each user's best group default. The group list
// lives as a JSON array on the user row, so the join happens here rather than
// in SQL.
func (s *Store) ListResetCandidates(ctx context.Context) ([]ledger.ResetCandidate, error) {
	groups, err := s.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	defaults := make(map[string]decimal.Decimal, len(groups))
	for _, g := range groups {
		defaults[g.ID] = g.DefaultCredits
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []ledger.ResetCandidate
	for _, u := range users {
		c := ledger.ResetCandidate{UserID: u.ID, Balance: u.Balance}
		for _, gid := range u.Groups {
			d, ok := defaults[gid]
			if !ok {
				continue
			}
			if c.GroupID == "" || d.GreaterThan(c.DefaultCredits) {
				c.GroupID = gid
				c.DefaultCredits = d
			}
		}
		if c.GroupID == "" {
			continue // no known group: nothing to reset against
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// LogAction appends one system log row.
func (s *Store) LogAction(ctx context.Context, logType, actor, message string, metadata ledger.JSONMap) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credit_logs(log_type, actor, message, metadata, created_at)
VALUES(?, ?, ?, ?, ?)`,
		logType, actor, message, metadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log action: %w", err)
	}
	return nil
}

// ListLogs returns recent system log rows, newest first.
func (s *Store) ListLogs(ctx context.Context, limit int) ([]ledger.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, log_type, actor, message, metadata, created_at
FROM credit_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.LogEntry
	for rows.Next() {
		var e ledger.LogEntry
		var message sql.NullString
		if err := rows.Scan(&e.ID, &e.LogType, &e.Actor, &message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Message = message.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*ledger.User, error) {
	var u ledger.User
	var groups string
	if err := r.Scan(&u.ID, &u.DisplayName, &u.Email, &u.Balance, &groups, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(groups), &u.Groups); err != nil {
		return nil, fmt.Errorf("decode groups for user %q: %w", u.ID, err)
	}
	return &u, nil
}

func scanResetEvent(r rowScanner) (*ledger.ResetEvent, error) {
	var ev ledger.ResetEvent
	var errMsg sql.NullString
	if err := r.Scan(&ev.ID, &ev.UUID, &ev.ResetType, &ev.ResetDate, &ev.Timestamp,
		&ev.UsersAffected, &ev.TotalCreditsReset, &ev.Status, &errMsg, &ev.Metadata); err != nil {
		return nil, err
	}
	ev.ErrorMessage = errMsg.String
	return &ev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
