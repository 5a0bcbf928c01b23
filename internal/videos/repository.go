package videos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vodhost/backend/internal/models"
)

// ErrNotFound is returned when a video does not exist or belongs to another user.
var ErrNotFound = errors.New("video not found")

// Repository handles video persistence. Every query is scoped by owner.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a videos repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const videoColumns = `video_id, user_id, title, status, raw_path, variant_paths, created_at, updated_at`

// Create inserts a new video in status processing with no variants.
func (r *Repository) Create(ctx context.Context, ownerID uuid.UUID, title, rawPath string) (*models.Video, error) {
	const q = `INSERT INTO videos (user_id, title, status, raw_path)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + videoColumns
	v, err := scanVideo(r.pool.QueryRow(ctx, q, ownerID, title, models.VideoStatusProcessing, rawPath))
	if err != nil {
		return nil, fmt.Errorf("insert video: %w", err)
	}
	return v, nil
}

// Get returns the video only if it belongs to ownerID.
func (r *Repository) Get(ctx context.Context, videoID, ownerID uuid.UUID) (*models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE video_id = $1 AND user_id = $2`
	v, err := scanVideo(r.pool.QueryRow(ctx, q, videoID, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// ListByOwner returns the owner's videos, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.VideoSummary, error) {
	const q = `SELECT video_id, title, status FROM videos WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.VideoSummary, 0)
	for rows.Next() {
		var s models.VideoSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.Status); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// SetVariant merges {profile: path} into variant_paths in a single statement,
// leaving other keys untouched. Returns models.ErrStatusFinal when the video
// is no longer processing.
func (r *Repository) SetVariant(ctx context.Context, videoID, ownerID uuid.UUID, profile, path string) error {
	const q = `UPDATE videos
		SET variant_paths = variant_paths || jsonb_build_object($3::text, $4::text), updated_at = NOW()
		WHERE video_id = $1 AND user_id = $2 AND status = 'processing'`
	tag, err := r.pool.Exec(ctx, q, videoID, ownerID, profile, path)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStatusFinal
	}
	return nil
}

// Finalize moves a processing video to a terminal status. A video that is
// already terminal is never changed; models.ErrStatusFinal is returned instead.
func (r *Repository) Finalize(ctx context.Context, videoID, ownerID uuid.UUID, status models.VideoStatus) error {
	if !models.CanTransition(models.VideoStatusProcessing, status) {
		return fmt.Errorf("finalize: %q is not a terminal status", status)
	}
	const q = `UPDATE videos SET status = $3, updated_at = NOW()
		WHERE video_id = $1 AND user_id = $2 AND status = 'processing'`
	tag, err := r.pool.Exec(ctx, q, videoID, ownerID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStatusFinal
	}
	return nil
}

func scanVideo(row pgx.Row) (*models.Video, error) {
	var (
		v        models.Video
		variants []byte
	)
	if err := row.Scan(&v.ID, &v.OwnerID, &v.Title, &v.Status, &v.RawPath, &variants, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	if !v.Status.Valid() {
		return nil, fmt.Errorf("video %s: unknown status %q", v.ID, v.Status)
	}
	v.VariantPaths = map[string]string{}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &v.VariantPaths); err != nil {
			return nil, fmt.Errorf("decode variant_paths: %w", err)
		}
	}
	return &v, nil
}
