package sitemap

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		slug   TEXT PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		slug       TEXT PRIMARY KEY,
		active     INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	)`,
}

// SQLiteCatalog reads categories and products from a sqlite file.
type SQLiteCatalog struct {
	db *sql.DB
}

func OpenSQLiteCatalog(ctx context.Context, path string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open catalog %s", path)
	}
	// sqlite allows one writer; a single connection also keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "migrate catalog")
		}
	}
	return &SQLiteCatalog{db: db}, nil
}

func (c *SQLiteCatalog) Close() error { return c.db.Close() }

func (c *SQLiteCatalog) UpsertCategory(ctx context.Context, slug string, active bool) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO categories (slug, active) VALUES (?, ?)
		 ON CONFLICT(slug) DO UPDATE SET active = excluded.active`,
		slug, active)
	return errors.Wrapf(err, "upsert category %s", slug)
}

func (c *SQLiteCatalog) UpsertProduct(ctx context.Context, slug string, active bool, updatedAt time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO products (slug, active, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET active = excluded.active, updated_at = excluded.updated_at`,
		slug, active, updatedAt.Unix())
	return errors.Wrapf(err, "upsert product %s", slug)
}

func (c *SQLiteCatalog) ActiveCategories(ctx context.Context) ([]Category, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT slug FROM categories WHERE active = 1 ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Category
	for rows.Next() {
		var cat Category
		if err := rows.Scan(&cat.Slug); err != nil {
			return nil, err
		}
		out = append(out, cat)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) ActiveProducts(ctx context.Context) ([]Product, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT slug, updated_at FROM products WHERE active = 1 ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var (
			p  Product
			ts int64
		)
		if err := rows.Scan(&p.Slug, &ts); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.Unix(ts, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
