package placement

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	cfg := DefaultSQLConfig("sqlite3", filepath.Join(t.TempDir(), "placement.db"))
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	store, err := OpenSQLStore(context.Background(), cfg, "node-sql")
	if err != nil {
		t.Fatalf("OpenSQLStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_Contract(t *testing.T) {
	exerciseClient(t, openTestSQLStore(t))
}

func TestSQLStore_SurvivesReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "placement.db")
	cfg := DefaultSQLConfig("sqlite3", dsn)
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	ctx := context.Background()

	store, err := OpenSQLStore(ctx, cfg, "node-sql")
	if err != nil {
		t.Fatalf("OpenSQLStore() error = %v", err)
	}
	meta, err := store.CreateRange(ctx, 3, 2, 0, 0)
	if err != nil {
		t.Fatalf("CreateRange() error = %v", err)
	}
	if _, err := store.SealRange(ctx, meta.WithEnd(12)); err != nil {
		t.Fatalf("SealRange() error = %v", err)
	}
	store.Close()

	store, err = OpenSQLStore(ctx, cfg, "node-sql")
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()
	ranges, err := store.ListRanges(ctx, 3)
	if err != nil {
		t.Fatalf("ListRanges() error = %v", err)
	}
	if len(ranges) != 1 || ranges[0].End == nil || *ranges[0].End != 12 || ranges[0].Epoch != 2 || ranges[0].Node != "node-sql" {
		t.Fatalf("ListRanges() after reopen = %v", ranges)
	}
}

func TestSQLStore_RejectsBadConfig(t *testing.T) {
	for _, cfg := range []SQLConfig{
		DefaultSQLConfig("sqlite3", ""),
		DefaultSQLConfig("mysql", "dsn"),
		{Driver: "sqlite3", DSN: "x", MaxOpenConns: 1, MaxIdleConns: 2},
	} {
		_, err := OpenSQLStore(context.Background(), cfg, "")
		var sqlErr *SQLError
		if !errors.As(err, &sqlErr) || sqlErr.Code != "INVALID_CONFIG" {
			t.Fatalf("OpenSQLStore(%+v) error = %v, want INVALID_CONFIG", cfg, err)
		}
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{dollar: true}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("rebind() = %q", got)
	}
	lite := &SQLStore{}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("rebind() = %q", got)
	}
}
