// Command migrate-postgres applies the embedded schema migrations and reports
// the row counts of the pipeline tables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mediaforge/internal/database"
	"mediaforge/internal/observability/logging"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	verifyOnly := flag.Bool("verify-only", false, "report table counts without applying migrations")
	timeout := flag.Duration("timeout", 30*time.Second, "upper bound for verification queries")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: string(logging.FormatText)})

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("MEDIAFORGE_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, MEDIAFORGE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	if !*verifyOnly {
		if err := database.Migrate(dsn, logger); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	pool, err := database.Open(ctx, database.Config{DSN: dsn, MaxConnections: 2, ApplicationName: "mediaforge-migrate"})
	if err != nil {
		logger.Error("failed to open postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	counts, err := tableCounts(ctx, pool)
	if err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	logger.Info("schema verified", "media_assets", counts["media_assets"], "pipeline_jobs", counts["pipeline_jobs"], "pending_jobs", counts["pending_jobs"])
}

func tableCounts(ctx context.Context, pool *pgxpool.Pool) (map[string]int, error) {
	checks := []struct {
		name  string
		query string
	}{
		{"media_assets", "SELECT COUNT(*) FROM media_assets"},
		{"pipeline_jobs", "SELECT COUNT(*) FROM pipeline_jobs"},
		{"pending_jobs", "SELECT COUNT(*) FROM pipeline_jobs WHERE state IN ('queued', 'running')"},
	}

	counts := make(map[string]int, len(checks))
	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return nil, fmt.Errorf("query %s: %w", check.name, err)
		}
		counts[check.name] = actual
	}
	return counts, nil
}
