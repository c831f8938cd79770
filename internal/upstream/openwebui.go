// Package upstream imports users, groups and models from an Open WebUI
// database into the credit ledger.
package upstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
)

// ErrSchemaMismatch is returned when the upstream database is missing one of
// the tables the sync reads.
var ErrSchemaMismatch = errors.New("upstream database missing expected tables")

// Syncer reads the Open WebUI sqlite database and upserts its users, groups
// and models into the ledger. The sync only ever touches identity fields:
// balances and admin-set prices are owned by the ledger.
type Syncer struct {
	store ledger.Store

	// DefaultGroupCredits is the allocation assigned to groups the ledger
	// has not seen before.
	DefaultGroupCredits decimal.Decimal
}

// NewSyncer returns a Syncer writing into store.
func NewSyncer(store ledger.Store, defaultGroupCredits decimal.Decimal) *Syncer {
	return &Syncer{store: store, DefaultGroupCredits: defaultGroupCredits}
}

// Result summarizes one sync pass.
type Result struct {
	UsersSeen    int
	UsersCreated int
	GroupsSeen   int
	NewGroups    int
	ModelsSeen   int
	NewModels    int
}

// Sync opens the Open WebUI database at path read-only and imports its rows.
// Order matters: groups first, so a brand-new user can receive its group's
// default allocation in the same pass.
func (s *Syncer) Sync(ctx context.Context, path string) (*Result, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open upstream db: %w", err)
	}
	defer db.Close()

	if err := checkSchema(ctx, db); err != nil {
		return nil, err
	}

	res := &Result{}
	if err := s.syncGroups(ctx, db, res); err != nil {
		return nil, err
	}
	if err := s.syncModels(ctx, db, res); err != nil {
		return nil, err
	}
	if err := s.syncUsers(ctx, db, res); err != nil {
		return nil, err
	}

	log.Printf("[INFO] Sync: %d users (%d new), %d groups (%d new), %d models (%d new)",
		res.UsersSeen, res.UsersCreated, res.GroupsSeen, res.NewGroups, res.ModelsSeen, res.NewModels)
	if err := s.store.LogAction(ctx, "sync", "system", "upstream sync completed", ledger.JSONMap{
		"users_seen": res.UsersSeen, "users_created": res.UsersCreated,
		"new_groups": res.NewGroups, "new_models": res.NewModels,
	}); err != nil {
		log.Printf("[WARN] Sync: failed to write action log: %v", err)
	}
	return res, nil
}

func checkSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"user", "group", "model"} {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("table %q: %w", table, ErrSchemaMismatch)
		}
		if err != nil {
			return fmt.Errorf("check table %q: %w", table, err)
		}
	}
	return nil
}

func (s *Syncer) syncGroups(ctx context.Context, db *sql.DB, res *Result) error {
	rows, err := db.QueryContext(ctx, `SELECT id, name FROM "group"`)
	if err != nil {
		return fmt.Errorf("read upstream groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		res.GroupsSeen++
		if _, err := s.store.GetGroup(ctx, id); err == nil {
			continue // admin-set default_credits wins over re-imports
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if err := s.store.UpsertGroup(ctx, ledger.Group{
			ID: id, Name: name, DefaultCredits: s.DefaultGroupCredits,
		}); err != nil {
			return err
		}
		res.NewGroups++
	}
	return rows.Err()
}

func (s *Syncer) syncModels(ctx context.Context, db *sql.DB, res *Result) error {
	rows, err := db.QueryContext(ctx, `SELECT id, name FROM model`)
	if err != nil {
		return fmt.Errorf("read upstream models: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		res.ModelsSeen++
		if _, err := s.store.GetModel(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, ledger.ErrUnknownModel) {
			return err
		}
		// New models arrive unpriced and unavailable until an admin prices
		// them, so usage against them fails loudly instead of costing zero.
		if err := s.store.UpsertModel(ctx, ledger.Model{
			ID: id, Name: name, IsAvailable: false,
		}); err != nil {
			return err
		}
		res.NewModels++
	}
	return rows.Err()
}

func (s *Syncer) syncUsers(ctx context.Context, db *sql.DB, res *Result) error {
	memberships, err := readMemberships(ctx, db)
	if err != nil {
		return err
	}
	defaults, err := s.groupDefaults(ctx)
	if err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, name, email FROM user`)
	if err != nil {
		return fmt.Errorf("read upstream users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var name, email sql.NullString
		if err := rows.Scan(&id, &name, &email); err != nil {
			return err
		}
		res.UsersSeen++

		_, getErr := s.store.GetUser(ctx, id)
		isNew := errors.Is(getErr, ledger.ErrNotFound)
		if getErr != nil && !isNew {
			return getErr
		}

		groups := memberships[id]
		if err := s.store.UpsertUser(ctx, ledger.User{
			ID:          id,
			DisplayName: name.String,
			Email:       email.String,
			Groups:      groups,
		}); err != nil {
			return err
		}
		if !isNew {
			continue
		}
		res.UsersCreated++

		initial := bestDefault(groups, defaults)
		if !initial.IsPositive() {
			continue
		}
		if _, err := s.store.Apply(ctx, ledger.ApplyRequest{
			UserID: id,
			Amount: initial,
			Type:   ledger.TypeSync,
			Actor:  "system",
			Reason: "initial allocation on import",
		}); err != nil {
			return fmt.Errorf("grant initial credits to %q: %w", id, err)
		}
	}
	return rows.Err()
}

// readMemberships inverts the upstream group rows, which carry a JSON array
// of member user ids, into a user -> groups map.
func readMemberships(ctx context.Context, db *sql.DB) (map[string][]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, user_ids FROM "group"`)
	if err != nil {
		return nil, fmt.Errorf("read group memberships: %w", err)
	}
	defer rows.Close()

	memberships := map[string][]string{}
	for rows.Next() {
		var groupID string
		var userIDs sql.NullString
		if err := rows.Scan(&groupID, &userIDs); err != nil {
			return nil, err
		}
		if !userIDs.Valid || userIDs.String == "" {
			continue
		}
		var ids []string
		if err := json.Unmarshal([]byte(userIDs.String), &ids); err != nil {
			log.Printf("[WARN] Sync: unparseable user_ids for group %s: %v", groupID, err)
			continue
		}
		for _, uid := range ids {
			memberships[uid] = append(memberships[uid], groupID)
		}
	}
	return memberships, rows.Err()
}

func (s *Syncer) groupDefaults(ctx context.Context) (map[string]decimal.Decimal, error) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	defaults := make(map[string]decimal.Decimal, len(groups))
	for _, g := range groups {
		defaults[g.ID] = g.DefaultCredits
	}
	return defaults, nil
}

func bestDefault(groups []string, defaults map[string]decimal.Decimal) decimal.Decimal {
	best := decimal.Zero
	for _, gid := range groups {
		if d, ok := defaults[gid]; ok && d.GreaterThan(best) {
			best = d
		}
	}
	return best
}
