package database

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/leca/imgshrink/internal/model"
	"github.com/pressly/goose/v3"
)

// Compile-time check that PostgresDB implements Store.
var _ Store = (*PostgresDB)(nil)

// PostgresDB implements Store backed by PostgreSQL through a pgx pool.
type PostgresDB struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresDB connects to dsn and applies the embedded migrations.
func NewPostgresDB(ctx context.Context, dsn string, opts ...Option) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping postgres", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresDB{pool: pool, opts: buildOptions(opts)}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Debug("postgres migrations applied")
	return nil
}

// Close closes the pool.
func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresDB) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM images WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, unavailable("check image exists", err)
	}
	return exists, nil
}

func (p *PostgresDB) Upsert(ctx context.Context, w *model.ImageWrite) (*model.Image, error) {
	now := p.opts.now().UTC()
	row := p.pool.QueryRow(ctx, `
		INSERT INTO images (`+imageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			content_type = EXCLUDED.content_type,
			thumbnail_data = EXCLUDED.thumbnail_data,
			thumbnail_content_type = EXCLUDED.thumbnail_content_type,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			optim_level = EXCLUDED.optim_level
		WHERE images.optim_level = EXCLUDED.optim_level - 1
		RETURNING `+imageColumns,
		w.ID, w.Primary.Data, w.Primary.ContentType, w.Thumbnail.Data, w.Thumbnail.ContentType,
		w.Width, w.Height, w.OptimLevel, now,
	)
	img, err := scanPgImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conflict(w)
	}
	if err != nil {
		return nil, unavailable("upsert image", err)
	}
	return img, nil
}

func (p *PostgresDB) Fetch(ctx context.Context, id string) (*model.Image, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id)
	img, err := scanPgImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("fetch image", err)
	}
	return img, nil
}

func (p *PostgresDB) TouchLastSeen(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `UPDATE images SET last_seen = $1 WHERE id = $2`, p.opts.now().UTC(), id)
	if err != nil {
		return unavailable("touch image", err)
	}
	return nil
}

func (p *PostgresDB) EligibleForSweep(ctx context.Context, maxLevel int) iter.Seq2[string, error] {
	return paginate(ctx, p.opts.pageSize, func(ctx context.Context, after string, limit int) ([]string, error) {
		rows, err := p.pool.Query(ctx, `
			SELECT id FROM images
			WHERE optim_level < $1 AND id > $2
			ORDER BY id
			LIMIT $3`,
			maxLevel, after, limit,
		)
		if err != nil {
			return nil, unavailable("list eligible images", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, unavailable("list eligible images", err)
		}
		return ids, nil
	})
}

func (p *PostgresDB) ExpireUnseenOlderThan(ctx context.Context, d time.Duration) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM images WHERE last_seen < $1`, p.opts.now().Add(-d).UTC())
	if err != nil {
		return 0, unavailable("expire images", err)
	}
	return tag.RowsAffected(), nil
}

func scanPgImage(row pgx.Row) (*model.Image, error) {
	img := &model.Image{}
	err := row.Scan(
		&img.ID, &img.Primary.Data, &img.Primary.ContentType,
		&img.Thumbnail.Data, &img.Thumbnail.ContentType,
		&img.Width, &img.Height, &img.OptimLevel, &img.CreatedAt, &img.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	img.CreatedAt = img.CreatedAt.UTC()
	img.LastSeenAt = img.LastSeenAt.UTC()
	return img, nil
}
