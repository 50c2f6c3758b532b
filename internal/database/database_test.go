package database

import (
	"context"
	"io/fs"
	"strings"
	"testing"
)

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@db:5432/media?sslmode=disable": "pgx5://u:p@db:5432/media?sslmode=disable",
		"postgresql://u:p@db/media":                    "pgx5://u:p@db/media",
		"pgx5://u:p@db/media":                          "pgx5://u:p@db/media",
		"  postgres://db/media  ":                      "pgx5://db/media",
	}
	for input, want := range cases {
		if got := migrateURL(input); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups := make(map[string]bool)
	downs := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("expected embedded migrations")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down script", version)
		}
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{DSN: "  "}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestCloseNilPool(t *testing.T) {
	if err := Close(context.Background(), nil); err != nil {
		t.Fatalf("Close(nil) error: %v", err)
	}
}
