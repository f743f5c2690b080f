package status

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "status.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.GetStatus(ctx, "exp_1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			for _, st := range []string{"pending", "running", "completed"} {
				if err := store.SetStatus(ctx, "exp_1", st); err != nil {
					t.Fatalf("SetStatus(%s): %v", st, err)
				}
			}
			// idempotent
			if err := store.SetStatus(ctx, "exp_1", "completed"); err != nil {
				t.Fatal(err)
			}

			got, err := store.GetStatus(ctx, "exp_1")
			if err != nil {
				t.Fatal(err)
			}
			if got != "completed" {
				t.Errorf("status = %q, want completed", got)
			}
		})
	}
}

func TestStoreListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ids := []string{
				JobEntity("exp_a"),
				TableEntity("exp_a", "public.orders"),
				ChunkEntity("exp_a", "public.orders", 1),
				ChunkEntity("exp_a", "public.orders", 0),
				JobEntity("exp_b"),
			}
			for _, id := range ids {
				if err := store.SetStatus(ctx, id, "running"); err != nil {
					t.Fatal(err)
				}
			}

			entries, err := store.List(ctx, "exp_a/")
			if err != nil {
				t.Fatal(err)
			}
			want := []string{
				"exp_a/public.orders",
				"exp_a/public.orders/chunk/0",
				"exp_a/public.orders/chunk/1",
			}
			if len(entries) != len(want) {
				t.Fatalf("got %d entries, want %d: %v", len(entries), len(want), entries)
			}
			for i, e := range entries {
				if e.EntityID != want[i] {
					t.Errorf("entry %d = %s, want %s", i, e.EntityID, want[i])
				}
			}

			all, err := store.List(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != len(ids) {
				t.Errorf("List(\"\") returned %d entries, want %d", len(all), len(ids))
			}
		})
	}
}

func TestStoreErrorHistory(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			id := ChunkEntity("exp_c", "orders", 3)
			store.RecordError(ctx, id, "connection reset")
			store.RecordError(ctx, id, "query canceled")

			errs, err := store.Errors(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if len(errs) != 2 || errs[0].Message != "connection reset" || errs[1].Message != "query canceled" {
				t.Errorf("unexpected error history: %+v", errs)
			}

			none, err := store.Errors(ctx, "exp_c")
			if err != nil {
				t.Fatal(err)
			}
			if len(none) != 0 {
				t.Errorf("expected no errors for job, got %d", len(none))
			}
		})
	}
}

func TestStoreJobConfig(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.JobConfig(ctx, "exp_d"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			cfg := []byte(`{"engine":"postgres","tables":["orders"]}`)
			if err := store.SaveJobConfig(ctx, "exp_d", cfg); err != nil {
				t.Fatal(err)
			}
			got, err := store.JobConfig(ctx, "exp_d")
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != string(cfg) {
				t.Errorf("config = %s", got)
			}
		})
	}
}

func TestStoreConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := ChunkEntity("exp_e", "t", i)
					if err := store.SetStatus(ctx, id, "succeeded"); err != nil {
						t.Errorf("SetStatus: %v", err)
					}
				}(i)
			}
			wg.Wait()

			entries, err := store.List(ctx, "exp_e/")
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 16 {
				t.Errorf("got %d entries, want 16", len(entries))
			}
		})
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "status.db")

	store, err := NewSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetStatus(ctx, "exp_f", "completed_with_errors"); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	// second close is a no-op
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	reopened, err := NewSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.GetStatus(ctx, "exp_f")
	if err != nil {
		t.Fatal(err)
	}
	if got != "completed_with_errors" {
		t.Errorf("status = %q", got)
	}
}

func TestOpenBackends(t *testing.T) {
	if _, err := Open("memory", ""); err != nil {
		t.Errorf("memory: %v", err)
	}
	if _, err := Open("redis", ""); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := NewSQLiteStore(SQLiteConfig{}); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := NewSQLiteStore(SQLiteConfig{Path: "x.db", Driver: "pg"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
