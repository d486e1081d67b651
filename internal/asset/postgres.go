package asset

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists assets in the image_assets table.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   *sql.DB // for migrations
}

// NewPostgresStore connects to dsn and applies pending migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	const op = "asset.NewPostgresStore"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &PostgresStore{pool: pool, db: db}, nil
}

// Open returns a PostgresStore when dsn is set and a MemoryStore otherwise.
// The returned func releases the store.
func Open(ctx context.Context, dsn string) (Store, func(), error) {
	if dsn == "" {
		return NewMemoryStore(), func() {}, nil
	}
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil && !errors.Is(err, goose.ErrNoNextVersion) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
	s.pool.Close()
}

const assetColumns = `id::text, owner_id, role, status, optimized_url, thumbnail_url,
	optimized_path, thumbnail_path, original_path, original_retained, error, created_at, updated_at`

// CreateAsset inserts under a per-owner advisory lock so parallel uploads for
// the same owner serialise on the owner's collection.
func (s *PostgresStore) CreateAsset(ctx context.Context, a *ImageAsset) (string, error) {
	const op = "asset.CreateAsset"

	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.OwnerID); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO image_assets (id, owner_id, role, status, optimized_url, thumbnail_url,
				optimized_path, thumbnail_path, original_path, original_retained, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at, updated_at`,
			a.ID, a.OwnerID, string(a.Role), string(a.Status), a.OptimizedURL, a.ThumbnailURL,
			a.OptimizedPath, a.ThumbnailPath, a.OriginalPath, a.OriginalRetained, a.Error,
		).Scan(&a.CreatedAt, &a.UpdatedAt)
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return a.ID, nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*ImageAsset, error) {
	const op = "asset.GetAsset"

	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	row := s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM image_assets WHERE id = $1`, id)
	a, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

func (s *PostgresStore) UpdateAssetStatus(ctx context.Context, id string, u StatusUpdate) error {
	const op = "asset.UpdateAssetStatus"

	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE image_assets SET status = $2, optimized_url = $3, thumbnail_url = $4,
			original_retained = $5, error = $6, updated_at = now()
		WHERE id = $1`,
		id, string(u.Status), u.OptimizedURL, u.ThumbnailURL, u.OriginalRetained, u.Error)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListAssets(ctx context.Context, f ListFilter) ([]ImageAsset, error) {
	const op = "asset.ListAssets"

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.RetainedOnly {
		where = append(where, "original_retained")
	}
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}

	query := `SELECT ` + assetColumns + ` FROM image_assets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []ImageAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteAsset(ctx context.Context, id string) error {
	const op = "asset.DeleteAsset"

	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	var deleted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx, `SELECT owner_id FROM image_assets WHERE id = $1`, id).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, owner); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM image_assets WHERE id = $1`, id)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

func scanAsset(row pgx.Row) (*ImageAsset, error) {
	var (
		a            ImageAsset
		role, status string
	)
	err := row.Scan(&a.ID, &a.OwnerID, &role, &status, &a.OptimizedURL, &a.ThumbnailURL,
		&a.OptimizedPath, &a.ThumbnailPath, &a.OriginalPath, &a.OriginalRetained, &a.Error,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Role = Role(role)
	a.Status = Status(status)
	return &a, nil
}
