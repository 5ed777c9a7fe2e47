package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/leca/imgshrink/internal/model"
	_ "modernc.org/sqlite"
)

// Compile-time check that SQLiteDB implements Store.
var _ Store = (*SQLiteDB)(nil)

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLiteDB implements Store backed by SQLite.
type SQLiteDB struct {
	db   *sql.DB
	opts options
}

// NewSQLiteDB opens (or creates) an SQLite database at dsn and runs migrations.
// For in-memory use pass "file:<name>?mode=memory&cache=shared".
func NewSQLiteDB(dsn string, opts ...Option) (*SQLiteDB, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	} else if !strings.Contains(dsn, "busy_timeout") {
		dsn += "&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps shared-cache
	// in-memory databases alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteDB{db: db, opts: buildOptions(opts)}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

const imageColumns = `id, data, content_type, thumbnail_data, thumbnail_content_type,
	width, height, optim_level, date, last_seen`

func (s *SQLiteDB) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM images WHERE id = ? LIMIT 1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("check image exists", err)
	}
	return true, nil
}

func (s *SQLiteDB) Upsert(ctx context.Context, w *model.ImageWrite) (*model.Image, error) {
	now := s.opts.now().UTC().Format(timeLayout)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO images (`+imageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			data = excluded.data,
			content_type = excluded.content_type,
			thumbnail_data = excluded.thumbnail_data,
			thumbnail_content_type = excluded.thumbnail_content_type,
			width = excluded.width,
			height = excluded.height,
			optim_level = excluded.optim_level
		WHERE images.optim_level = excluded.optim_level - 1
		RETURNING `+imageColumns,
		w.ID, w.Primary.Data, w.Primary.ContentType, w.Thumbnail.Data, w.Thumbnail.ContentType,
		w.Width, w.Height, w.OptimLevel, now, now,
	)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conflict(w)
	}
	if err != nil {
		return nil, unavailable("upsert image", err)
	}
	return img, nil
}

func (s *SQLiteDB) Fetch(ctx context.Context, id string) (*model.Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("fetch image", err)
	}
	return img, nil
}

func (s *SQLiteDB) TouchLastSeen(ctx context.Context, id string) error {
	now := s.opts.now().UTC().Format(timeLayout)
	if _, err := s.db.ExecContext(ctx, `UPDATE images SET last_seen = ? WHERE id = ?`, now, id); err != nil {
		return unavailable("touch image", err)
	}
	return nil
}

func (s *SQLiteDB) EligibleForSweep(ctx context.Context, maxLevel int) iter.Seq2[string, error] {
	return paginate(ctx, s.opts.pageSize, func(ctx context.Context, after string, limit int) ([]string, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id FROM images
			WHERE optim_level < ? AND id > ?
			ORDER BY id
			LIMIT ?`,
			maxLevel, after, limit,
		)
		if err != nil {
			return nil, unavailable("list eligible images", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, unavailable("list eligible images", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return nil, unavailable("list eligible images", err)
		}
		return ids, nil
	})
}

func (s *SQLiteDB) ExpireUnseenOlderThan(ctx context.Context, d time.Duration) (int64, error) {
	cutoff := s.opts.now().Add(-d).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, unavailable("expire images", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("expire images", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanImage(row scannable) (*model.Image, error) {
	img := &model.Image{}
	var dateStr, lastSeenStr string

	err := row.Scan(
		&img.ID, &img.Primary.Data, &img.Primary.ContentType,
		&img.Thumbnail.Data, &img.Thumbnail.ContentType,
		&img.Width, &img.Height, &img.OptimLevel, &dateStr, &lastSeenStr,
	)
	if err != nil {
		return nil, err
	}

	if img.CreatedAt, err = time.Parse(timeLayout, dateStr); err != nil {
		return nil, fmt.Errorf("parse date: %w", err)
	}
	if img.LastSeenAt, err = time.Parse(timeLayout, lastSeenStr); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	return img, nil
}
