package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftbyte/mediaflow/internal/model"
)

// ErrNotFound is returned when no asset row exists for an id.
var ErrNotFound = errors.New("asset not found")

// AssetStore is the metadata port the pipeline and the API write through.
// The pgx-backed AssetRepository is the production implementation; tests
// use the MemoryStore in this package.
type AssetStore interface {
	Create(ctx context.Context, asset *model.Asset) error
	Get(ctx context.Context, id string) (*model.Asset, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, msg string) error
	MarkProcessed(ctx context.Context, id string, u ProcessedUpdate) error
}

// ProcessedUpdate carries everything a terminal processed transition can
// set. Nil pointers leave the column untouched; ProcessingError non-nil on
// a processed row records a degraded outcome.
type ProcessedUpdate struct {
	ProcessedPath      *string
	ProcessedPaths     map[model.Quality]string
	ThumbnailPath      *string
	ProcessingError    *string
	OptimizedSizeBytes int64
}

// AssetRepository wraps all SQL used throughout the API and worker.
type AssetRepository struct {
	pool *pgxpool.Pool
}

// NewAssetRepository constructs a repository.
func NewAssetRepository(pool *pgxpool.Pool) *AssetRepository {
	return &AssetRepository{pool: pool}
}

// Create inserts a pending asset before processing begins.
func (r *AssetRepository) Create(ctx context.Context, asset *model.Asset) error {
	now := time.Now().UTC()
	asset.Status = model.StatusPending
	asset.CreatedAt = now
	asset.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO assets (id, original_path, mime_type, media_type, processing_status, original_size_bytes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, asset.ID, asset.OriginalPath, asset.MimeType, asset.MediaType, asset.Status, asset.OriginalSizeBytes, asset.CreatedAt, asset.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// Get returns an asset by id.
func (r *AssetRepository) Get(ctx context.Context, id string) (*model.Asset, error) {
	var (
		asset         model.Asset
		processedPath sql.NullString
		pathsJSON     []byte
		thumbnail     sql.NullString
		procErr       sql.NullString
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, original_path, processed_path, processed_paths, thumbnail_path,
			mime_type, media_type, processing_status, processing_error,
			original_size_bytes, optimized_size_bytes, created_at, updated_at
		FROM assets WHERE id=$1
	`, id)
	if err := row.Scan(&asset.ID, &asset.OriginalPath, &processedPath, &pathsJSON, &thumbnail,
		&asset.MimeType, &asset.MediaType, &asset.Status, &procErr,
		&asset.OriginalSizeBytes, &asset.OptimizedSizeBytes, &asset.CreatedAt, &asset.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select asset: %w", err)
	}
	if processedPath.Valid {
		p := processedPath.String
		asset.ProcessedPath = &p
	}
	if len(pathsJSON) > 0 {
		if err := json.Unmarshal(pathsJSON, &asset.ProcessedPaths); err != nil {
			return nil, fmt.Errorf("decode processed paths: %w", err)
		}
	}
	if thumbnail.Valid {
		t := thumbnail.String
		asset.ThumbnailPath = &t
	}
	if procErr.Valid {
		e := procErr.String
		asset.ProcessingError = &e
	}
	return &asset, nil
}

// MarkProcessing sets the status to processing and clears any previous
// diagnostic so a reprocess starts from a clean slate.
func (r *AssetRepository) MarkProcessing(ctx context.Context, id string) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE assets SET processing_status=$1, processing_error=NULL, updated_at=$2 WHERE id=$3
	`, model.StatusProcessing, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a terminal failure. The original object is left in
// place so the asset can be reprocessed by hand.
func (r *AssetRepository) MarkFailed(ctx context.Context, id string, msg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE assets SET processing_status=$1, processing_error=$2, updated_at=$3 WHERE id=$4
	`, model.StatusFailed, msg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkProcessed records a terminal processed transition, including the
// degraded-success variants that carry a diagnostic.
func (r *AssetRepository) MarkProcessed(ctx context.Context, id string, u ProcessedUpdate) error {
	var pathsJSON []byte
	if len(u.ProcessedPaths) > 0 {
		var err error
		pathsJSON, err = json.Marshal(u.ProcessedPaths)
		if err != nil {
			return fmt.Errorf("encode processed paths: %w", err)
		}
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE assets
		SET processing_status=$1,
			processed_path = COALESCE($2, processed_path),
			processed_paths = COALESCE($3, processed_paths),
			thumbnail_path = COALESCE($4, thumbnail_path),
			processing_error = $5,
			optimized_size_bytes = CASE WHEN $6 > 0 THEN $6 ELSE optimized_size_bytes END,
			updated_at=$7
		WHERE id=$8
	`, model.StatusProcessed, u.ProcessedPath, pathsJSON, u.ThumbnailPath, u.ProcessingError, u.OptimizedSizeBytes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}
