package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediaforge/internal/models"
)

const assetColumns = `id, title, description, original_path, file_size, content_hash, renditions, thumbnails,
    bitrate_kbps, resolution, duration, status, failure_reason, views, deleted_at, created_at, updated_at`

// PostgresStore persists assets in the media_assets table. Every write is a
// single UPDATE of its own columns, so concurrent workers never clobber each
// other's results.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool required")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) CreateAsset(ctx context.Context, asset NewAsset) (models.MediaAsset, error) {
	record := newAssetRecord(asset, time.Now().UTC())
	row := s.pool.QueryRow(ctx, `
INSERT INTO media_assets (id, title, description, original_path, file_size, content_hash, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
RETURNING `+assetColumns,
		record.ID, record.Title, record.Description, record.OriginalPath, record.FileSize, record.ContentHash,
		string(record.Status), record.CreatedAt,
	)
	created, err := scanAsset(row)
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("create asset: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (models.MediaAsset, error) {
	if !validID(id) {
		return models.MediaAsset{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM media_assets WHERE id = $1`, id)
	return s.one(row, "get asset")
}

func (s *PostgresStore) WriteRenditions(ctx context.Context, id string, renditions map[models.Resolution]string) (models.MediaAsset, error) {
	if !validID(id) {
		return models.MediaAsset{}, ErrNotFound
	}
	if renditions == nil {
		renditions = map[models.Resolution]string{}
	}
	row := s.pool.QueryRow(ctx, `
UPDATE media_assets SET renditions = $2, updated_at = NOW()
WHERE id = $1
RETURNING `+assetColumns, id, renditions)
	return s.one(row, "write renditions")
}

func (s *PostgresStore) WriteThumbnails(ctx context.Context, id string, thumbnails []string) (models.MediaAsset, error) {
	if !validID(id) {
		return models.MediaAsset{}, ErrNotFound
	}
	if thumbnails == nil {
		thumbnails = []string{}
	}
	row := s.pool.QueryRow(ctx, `
UPDATE media_assets SET thumbnails = $2, updated_at = NOW()
WHERE id = $1
RETURNING `+assetColumns, id, thumbnails)
	return s.one(row, "write thumbnails")
}

func (s *PostgresStore) WriteQuality(ctx context.Context, id string, quality models.Quality) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE media_assets SET bitrate_kbps = $2, resolution = $3, duration = $4, updated_at = NOW()
WHERE id = $1`, id, quality.BitrateKbps, quality.Resolution, quality.Duration)
	if err != nil {
		return fmt.Errorf("write quality: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkReady(ctx context.Context, id string) (models.MediaAsset, bool, error) {
	if !validID(id) {
		return models.MediaAsset{}, false, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
UPDATE media_assets SET status = 'ready', updated_at = NOW()
WHERE id = $1 AND status = 'processing'
RETURNING `+assetColumns, id)
	return s.transition(ctx, id, row, "mark ready")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string) (models.MediaAsset, bool, error) {
	if !validID(id) {
		return models.MediaAsset{}, false, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
UPDATE media_assets SET status = 'failed', failure_reason = $2, updated_at = NOW()
WHERE id = $1 AND status = 'processing'
RETURNING `+assetColumns, id, reason)
	return s.transition(ctx, id, row, "mark failed")
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE media_assets SET deleted_at = COALESCE(deleted_at, NOW()), updated_at = NOW()
WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementViews(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE media_assets SET views = views + 1
WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) one(row pgx.Row, op string) (models.MediaAsset, error) {
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MediaAsset{}, ErrNotFound
	}
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("%s: %w", op, err)
	}
	return asset, nil
}

// transition distinguishes a guarded update that matched no row because the
// status already moved on from one that matched no asset at all.
func (s *PostgresStore) transition(ctx context.Context, id string, row pgx.Row, op string) (models.MediaAsset, bool, error) {
	asset, err := scanAsset(row)
	if err == nil {
		return asset, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.MediaAsset{}, false, fmt.Errorf("%s: %w", op, err)
	}
	current, err := s.GetAsset(ctx, id)
	if err != nil {
		return models.MediaAsset{}, false, err
	}
	return current, false, nil
}

// validID keeps malformed identifiers from reaching the uuid column.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func scanAsset(row pgx.Row) (models.MediaAsset, error) {
	var (
		asset  models.MediaAsset
		status string
	)
	err := row.Scan(
		&asset.ID, &asset.Title, &asset.Description, &asset.OriginalPath, &asset.FileSize, &asset.ContentHash,
		&asset.Renditions, &asset.Thumbnails,
		&asset.Quality.BitrateKbps, &asset.Quality.Resolution, &asset.Quality.Duration,
		&status, &asset.FailureReason, &asset.Views, &asset.DeletedAt, &asset.CreatedAt, &asset.UpdatedAt,
	)
	if err != nil {
		return models.MediaAsset{}, err
	}
	asset.Status = models.AssetStatus(status)
	if asset.Renditions == nil {
		asset.Renditions = map[models.Resolution]string{}
	}
	return asset, nil
}
