package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func TestRebindDollar(t *testing.T) {
	got := rebindDollar("UPDATE matches SET status = ? WHERE id = ? AND status <> ?")
	want := "UPDATE matches SET status = $1 WHERE id = $2 AND status <> $3"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := ParseRedisURL("redis://:pw@127.0.0.1:6380/2")
	if err != nil {
		t.Fatalf("ParseRedisURL: %v", err)
	}
	if opts.Addr != "127.0.0.1:6380" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if _, err := ParseRedisURL("http://localhost"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestOpenSQLiteAppliesSchema(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "fleet.db")
	db, err := OpenSQL(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	defer db.Close()
	for _, table := range []string{"matches", "player_stats", "stat_settlements", "idempotency_records"} {
		var n int
		q := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := db.QueryRow(q).Scan(&n); err != nil {
			t.Fatalf("%s: %v", table, err)
		}
	}
	if db.Q("SELECT ?") != "SELECT ?" {
		t.Fatalf("sqlite must keep '?' placeholders")
	}
}
