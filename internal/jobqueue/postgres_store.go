package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediaforge/internal/models"
)

const jobColumns = "id, kind, asset_id, input, state, attempts, max_attempts, last_error, seq, created_at, updated_at"

// PostgresStore persists jobs in the pipeline_jobs table. The schema is
// created by the database migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Save upserts the job. The update is guarded on the stored state so a
// terminal row is never overwritten.
func (s *PostgresStore) Save(ctx context.Context, job models.Job) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO pipeline_jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    attempts = EXCLUDED.attempts,
    max_attempts = EXCLUDED.max_attempts,
    last_error = EXCLUDED.last_error,
    seq = EXCLUDED.seq,
    updated_at = EXCLUDED.updated_at
WHERE pipeline_jobs.state NOT IN ('succeeded', 'failed')`,
		job.ID, string(job.Kind), job.AssetID, job.Input, string(job.State),
		job.Attempts, job.MaxAttempts, job.LastError, job.Seq, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *PostgresStore) Pending(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE state IN ('queued', 'running') ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('pipeline_jobs_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next job sequence: %w", err)
	}
	return seq, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job   models.Job
		kind  string
		state string
	)
	err := row.Scan(
		&job.ID, &kind, &job.AssetID, &job.Input, &state,
		&job.Attempts, &job.MaxAttempts, &job.LastError, &job.Seq, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	job.Kind = models.JobKind(kind)
	job.State = models.JobState(state)
	return job, nil
}
