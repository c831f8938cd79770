package upstream

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

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

// writeUpstreamDB builds a minimal Open WebUI database fixture.
func writeUpstreamDB(t *testing.T, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webui.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer db.Close()

	schema := []string{
		`CREATE TABLE user (id TEXT PRIMARY KEY, name TEXT, email TEXT)`,
		`CREATE TABLE "group" (id TEXT PRIMARY KEY, name TEXT, user_ids TEXT)`,
		`CREATE TABLE model (id TEXT PRIMARY KEY, name TEXT)`,
	}
	for _, stmt := range append(schema, stmts...) {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture exec %q: %v", stmt, err)
		}
	}
	return path
}

func TestSyncImportsNewEntities(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	path := writeUpstreamDB(t,
		`INSERT INTO "group" VALUES ('students', 'Students', '["u1","u2"]')`,
		`INSERT INTO user VALUES ('u1', 'Alice', 'alice@example.com')`,
		`INSERT INTO user VALUES ('u2', 'Bob', 'bob@example.com')`,
		`INSERT INTO model VALUES ('gpt-4', 'GPT-4')`,
	)

	syncer := NewSyncer(store, dec(t, "20"))
	res, err := syncer.Sync(ctx, path)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.UsersCreated != 2 || res.NewGroups != 1 || res.NewModels != 1 {
		t.Fatalf("result = %+v, want 2 users, 1 group, 1 model created", res)
	}

	// New users get the new group's default as their starting balance.
	u, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.Balance.Equal(dec(t, "20")) {
		t.Errorf("balance = %s, want 20", u.Balance)
	}
	if len(u.Groups) != 1 || u.Groups[0] != "students" {
		t.Errorf("groups = %v, want [students]", u.Groups)
	}
	txs, err := store.ListTransactions(ctx, "u1", 5)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != ledger.TypeSync {
		t.Fatalf("transactions = %+v, want one sync entry", txs)
	}

	// Imported models stay unavailable until priced.
	m, err := store.GetModel(ctx, "gpt-4")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if m.IsAvailable {
		t.Error("imported model should not be available before pricing")
	}
}

func TestSyncPreservesBalancesAndPrices(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.UpsertGroup(ctx, ledger.Group{ID: "students", Name: "Students", DefaultCredits: dec(t, "99")}); err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}
	if err := store.UpsertUser(ctx, ledger.User{ID: "u1", DisplayName: "Old Name", Groups: []string{"students"}}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if _, err := store.Apply(ctx, ledger.ApplyRequest{
		UserID: "u1", Amount: dec(t, "12.5"), Type: ledger.TypeManualUpdate, Actor: "admin",
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := store.UpsertModel(ctx, ledger.Model{
		ID: "gpt-4", Name: "GPT-4", ContextPrice: dec(t, "0.0001"), IsAvailable: true,
	}); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}

	path := writeUpstreamDB(t,
		`INSERT INTO "group" VALUES ('students', 'Students Renamed', '["u1"]')`,
		`INSERT INTO user VALUES ('u1', 'New Name', 'u1@example.com')`,
		`INSERT INTO model VALUES ('gpt-4', 'GPT-4 Turbo')`,
	)
	res, err := NewSyncer(store, dec(t, "20")).Sync(ctx, path)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.UsersCreated != 0 || res.NewGroups != 0 || res.NewModels != 0 {
		t.Fatalf("result = %+v, want nothing created", res)
	}

	u, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.DisplayName != "New Name" {
		t.Errorf("display_name = %q, want refreshed identity", u.DisplayName)
	}
	if !u.Balance.Equal(dec(t, "12.5")) {
		t.Errorf("balance = %s, want 12.5 untouched", u.Balance)
	}

	g, err := store.GetGroup(ctx, "students")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if !g.DefaultCredits.Equal(dec(t, "99")) {
		t.Errorf("default_credits = %s, want admin-set 99", g.DefaultCredits)
	}

	m, err := store.GetModel(ctx, "gpt-4")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if !m.ContextPrice.Equal(dec(t, "0.0001")) || !m.IsAvailable {
		t.Errorf("model = (%s, available=%v), want admin pricing preserved", m.ContextPrice, m.IsAvailable)
	}
}

func TestSyncSkipsBrokenMemberships(t *testing.T) {
	store := newStore(t)
	path := writeUpstreamDB(t,
		`INSERT INTO "group" VALUES ('broken', 'Broken', 'not-json')`,
		`INSERT INTO user VALUES ('u1', 'Alice', 'alice@example.com')`,
	)
	res, err := NewSyncer(store, dec(t, "20")).Sync(context.Background(), path)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.UsersCreated != 1 {
		t.Fatalf("users created = %d, want 1", res.UsersCreated)
	}
	u, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(u.Groups) != 0 {
		t.Errorf("groups = %v, want none", u.Groups)
	}
}

func TestSyncRejectsMissingTables(t *testing.T) {
	store := newStore(t)
	path := filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE user (id TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	if _, err := NewSyncer(store, decimal.Zero).Sync(context.Background(), path); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("error = %v, want ErrSchemaMismatch", err)
	}
}
