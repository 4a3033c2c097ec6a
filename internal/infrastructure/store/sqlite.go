package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pricelens/backend/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS canonical_products (
	canonical_key TEXT PRIMARY KEY,
	avg_price_ils REAL NOT NULL DEFAULT 0,
	sample_count  INTEGER NOT NULL DEFAULT 0,
	category      TEXT,
	updated_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chain_prices (
	canonical_key TEXT NOT NULL,
	chain_name    TEXT NOT NULL,
	price_ils     REAL NOT NULL,
	last_updated  INTEGER NOT NULL,
	PRIMARY KEY (canonical_key, chain_name)
);
CREATE TABLE IF NOT EXISTS resolution_cache (
	normalized_query TEXT PRIMARY KEY,
	canonical_key    TEXT,
	avg_price_ils    REAL,
	confidence       REAL NOT NULL,
	sample_count     INTEGER,
	cached_at        INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resolution_cache_expires_at ON resolution_cache (expires_at);
`

const recomputeAverageSQL = `
UPDATE canonical_products
SET avg_price_ils = (SELECT AVG(price_ils) FROM chain_prices WHERE canonical_key = ?1),
    sample_count  = (SELECT COUNT(*) FROM chain_prices WHERE canonical_key = ?1)
WHERE canonical_key = ?1
  AND EXISTS (SELECT 1 FROM chain_prices WHERE canonical_key = ?1)`

const upsertChainPriceSQL = `
INSERT INTO chain_prices (canonical_key, chain_name, price_ils, last_updated)
VALUES (?, ?, ?, ?)
ON CONFLICT (canonical_key, chain_name) DO UPDATE SET
	price_ils = excluded.price_ils,
	last_updated = excluded.last_updated`

// SQLiteStore persists the catalog and resolution cache in a SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; also keeps an in-memory database on a single connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// ListCanonicalProducts returns up to limit products in insertion order
func (s *SQLiteStore) ListCanonicalProducts(ctx context.Context, limit int) ([]domain.CanonicalProduct, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT canonical_key, avg_price_ils, sample_count, category, updated_at
		FROM canonical_products ORDER BY rowid LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list canonical products: %w", err)
	}
	defer rows.Close()

	var products []domain.CanonicalProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// GetCanonicalProduct retrieves a product by key
func (s *SQLiteStore) GetCanonicalProduct(ctx context.Context, key string) (*domain.CanonicalProduct, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT canonical_key, avg_price_ils, sample_count, category, updated_at
		FROM canonical_products WHERE canonical_key = ?`, key)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	return p, err
}

// SaveProductWithPrices upserts a product and its chain rows in one transaction
func (s *SQLiteStore) SaveProductWithPrices(ctx context.Context, product domain.CanonicalProduct, prices []domain.ChainPriceEntry) error {
	if product.CanonicalKey == "" {
		return domain.ErrInvalidRequest
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO canonical_products (canonical_key, avg_price_ils, sample_count, category, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (canonical_key) DO UPDATE SET
				avg_price_ils = excluded.avg_price_ils,
				sample_count = excluded.sample_count,
				category = COALESCE(excluded.category, canonical_products.category),
				updated_at = excluded.updated_at`,
			product.CanonicalKey, product.AvgPriceILS, product.SampleCount,
			nullString(product.Category), toUnixNano(product.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert canonical product: %w", err)
		}

		for _, p := range prices {
			if _, err := tx.ExecContext(ctx, upsertChainPriceSQL,
				product.CanonicalKey, p.ChainName, p.PriceILS, toUnixNano(p.LastUpdated)); err != nil {
				return fmt.Errorf("upsert chain price: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, recomputeAverageSQL, product.CanonicalKey); err != nil {
			return fmt.Errorf("recompute average: %w", err)
		}
		return nil
	})
}

// UpsertChainPrices upserts chain rows and recomputes the touched averages
func (s *SQLiteStore) UpsertChainPrices(ctx context.Context, prices []domain.ChainPriceEntry) error {
	for _, p := range prices {
		if p.CanonicalKey == "" || p.ChainName == "" {
			return domain.ErrInvalidRequest
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		touched := make(map[string]int64)
		for _, p := range prices {
			updatedAt := toUnixNano(p.LastUpdated)
			if _, err := tx.ExecContext(ctx, upsertChainPriceSQL,
				p.CanonicalKey, p.ChainName, p.PriceILS, updatedAt); err != nil {
				return fmt.Errorf("upsert chain price: %w", err)
			}
			if updatedAt > touched[p.CanonicalKey] {
				touched[p.CanonicalKey] = updatedAt
			}
		}

		for key, updatedAt := range touched {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO canonical_products (canonical_key, avg_price_ils, sample_count, updated_at)
				VALUES (?, 0, 0, ?)
				ON CONFLICT (canonical_key) DO UPDATE SET updated_at = excluded.updated_at`,
				key, updatedAt); err != nil {
				return fmt.Errorf("touch canonical product: %w", err)
			}
			if _, err := tx.ExecContext(ctx, recomputeAverageSQL, key); err != nil {
				return fmt.Errorf("recompute average: %w", err)
			}
		}
		return nil
	})
}

// ListChainPrices returns the chain rows of a key ordered by chain name
func (s *SQLiteStore) ListChainPrices(ctx context.Context, key string) ([]domain.ChainPriceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT canonical_key, chain_name, price_ils, last_updated
		FROM chain_prices WHERE canonical_key = ? ORDER BY chain_name`, key)
	if err != nil {
		return nil, fmt.Errorf("list chain prices: %w", err)
	}
	defer rows.Close()

	prices := make([]domain.ChainPriceEntry, 0)
	for rows.Next() {
		var (
			p       domain.ChainPriceEntry
			updated int64
		)
		if err := rows.Scan(&p.CanonicalKey, &p.ChainName, &p.PriceILS, &updated); err != nil {
			return nil, fmt.Errorf("scan chain price: %w", err)
		}
		p.LastUpdated = fromUnixNano(updated)
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// GetCacheEntry retrieves a cache row regardless of expiry
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, normalizedQuery string) (*domain.ResolutionCacheEntry, error) {
	var (
		entry     domain.ResolutionCacheEntry
		key       sql.NullString
		avg       sql.NullFloat64
		samples   sql.NullInt64
		cachedAt  int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT normalized_query, canonical_key, avg_price_ils, confidence, sample_count, cached_at, expires_at
		FROM resolution_cache WHERE normalized_query = ?`, normalizedQuery).
		Scan(&entry.NormalizedQuery, &key, &avg, &entry.Confidence, &samples, &cachedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}

	if key.Valid {
		entry.CanonicalKey = &key.String
	}
	if avg.Valid {
		entry.AvgPriceILS = &avg.Float64
	}
	if samples.Valid {
		n := int(samples.Int64)
		entry.SampleCount = &n
	}
	entry.CachedAt = fromUnixNano(cachedAt)
	entry.ExpiresAt = fromUnixNano(expiresAt)
	return &entry, nil
}

// UpsertCacheEntry stores a cache row, replacing any previous one
func (s *SQLiteStore) UpsertCacheEntry(ctx context.Context, entry domain.ResolutionCacheEntry) error {
	if entry.NormalizedQuery == "" {
		return domain.ErrInvalidRequest
	}

	var samples interface{}
	if entry.SampleCount != nil {
		samples = int64(*entry.SampleCount)
	}
	var avg interface{}
	if entry.AvgPriceILS != nil {
		avg = *entry.AvgPriceILS
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolution_cache (normalized_query, canonical_key, avg_price_ils, confidence, sample_count, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (normalized_query) DO UPDATE SET
			canonical_key = excluded.canonical_key,
			avg_price_ils = excluded.avg_price_ils,
			confidence = excluded.confidence,
			sample_count = excluded.sample_count,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		entry.NormalizedQuery, nullString(entry.CanonicalKey), avg, entry.Confidence, samples,
		toUnixNano(entry.CachedAt), toUnixNano(entry.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteExpiredCacheEntries removes rows whose expiry is at or before now
func (s *SQLiteStore) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM resolution_cache WHERE expires_at <= ?`, toUnixNano(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(row rowScanner) (*domain.CanonicalProduct, error) {
	var (
		p        domain.CanonicalProduct
		category sql.NullString
		updated  int64
	)
	if err := row.Scan(&p.CanonicalKey, &p.AvgPriceILS, &p.SampleCount, &category, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan canonical product: %w", err)
	}
	if category.Valid {
		p.Category = &category.String
	}
	p.UpdatedAt = fromUnixNano(updated)
	return &p, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// zero times round-trip as 0
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
