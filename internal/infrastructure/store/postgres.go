package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pricelens/backend/internal/domain"
)

// canonicalProductRow represents the canonical_products table
type canonicalProductRow struct {
	CanonicalKey string    `gorm:"column:canonical_key;primaryKey;type:text"`
	AvgPriceILS  float64   `gorm:"column:avg_price_ils;not null;default:0"`
	SampleCount  int       `gorm:"column:sample_count;not null;default:0"`
	Category     *string   `gorm:"column:category;type:text"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;type:timestamptz;autoUpdateTime:false"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;type:timestamptz"`
}

func (canonicalProductRow) TableName() string {
	return "canonical_products"
}

// chainPriceRow represents the chain_prices table
type chainPriceRow struct {
	CanonicalKey string    `gorm:"column:canonical_key;primaryKey;type:text"`
	ChainName    string    `gorm:"column:chain_name;primaryKey;type:text"`
	PriceILS     float64   `gorm:"column:price_ils;not null"`
	LastUpdated  time.Time `gorm:"column:last_updated;not null;type:timestamptz"`
}

func (chainPriceRow) TableName() string {
	return "chain_prices"
}

// resolutionCacheRow represents the resolution_cache table. A NULL
// canonical_key is a cached negative.
type resolutionCacheRow struct {
	NormalizedQuery string    `gorm:"column:normalized_query;primaryKey;type:text"`
	CanonicalKey    *string   `gorm:"column:canonical_key;type:text"`
	AvgPriceILS     *float64  `gorm:"column:avg_price_ils"`
	Confidence      float64   `gorm:"column:confidence;not null"`
	SampleCount     *int      `gorm:"column:sample_count"`
	CachedAt        time.Time `gorm:"column:cached_at;not null;type:timestamptz"`
	ExpiresAt       time.Time `gorm:"column:expires_at;not null;type:timestamptz;index"`
}

func (resolutionCacheRow) TableName() string {
	return "resolution_cache"
}

// PostgresConfig holds connection and pool settings
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

type pgStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to PostgreSQL and optionally migrates the schema
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (domain.Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := ConfigureConnectionPool(db, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime); err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(&canonicalProductRow{}, &chainPriceRow{}, &resolutionCacheRow{}); err != nil {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return NewPGStore(db), nil
}

// NewPGStore wraps an open gorm connection
func NewPGStore(db *gorm.DB) domain.Store {
	return &pgStore{db: db}
}

// ConfigureConnectionPool sets pool limits on the underlying sql.DB.
// Zero values fall back to 20 open, 5 idle, 5m lifetime and 10m idle time.
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	return nil
}

func (s *pgStore) ListCanonicalProducts(ctx context.Context, limit int) ([]domain.CanonicalProduct, error) {
	var rows []canonicalProductRow
	q := s.db.WithContext(ctx).Order("created_at, canonical_key")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list canonical products: %w", err)
	}

	products := make([]domain.CanonicalProduct, 0, len(rows))
	for _, r := range rows {
		products = append(products, r.toDomain())
	}
	return products, nil
}

func (s *pgStore) GetCanonicalProduct(ctx context.Context, key string) (*domain.CanonicalProduct, error) {
	var row canonicalProductRow
	err := s.db.WithContext(ctx).Where("canonical_key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get canonical product: %w", err)
	}
	p := row.toDomain()
	return &p, nil
}

func (s *pgStore) SaveProductWithPrices(ctx context.Context, product domain.CanonicalProduct, prices []domain.ChainPriceEntry) error {
	if product.CanonicalKey == "" {
		return domain.ErrInvalidRequest
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := canonicalProductRow{
			CanonicalKey: product.CanonicalKey,
			AvgPriceILS:  product.AvgPriceILS,
			SampleCount:  product.SampleCount,
			Category:     product.Category,
			UpdatedAt:    product.UpdatedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "canonical_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"avg_price_ils": gorm.Expr("excluded.avg_price_ils"),
				"sample_count":  gorm.Expr("excluded.sample_count"),
				"category":      gorm.Expr("COALESCE(excluded.category, canonical_products.category)"),
				"updated_at":    gorm.Expr("excluded.updated_at"),
			}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to upsert canonical product: %w", err)
		}

		for _, p := range prices {
			p.CanonicalKey = product.CanonicalKey
			if err := upsertChainPrice(tx, p); err != nil {
				return err
			}
		}
		return recomputeAverage(tx, product.CanonicalKey)
	})
}

func (s *pgStore) UpsertChainPrices(ctx context.Context, prices []domain.ChainPriceEntry) error {
	for _, p := range prices {
		if p.CanonicalKey == "" || p.ChainName == "" {
			return domain.ErrInvalidRequest
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		touched := make(map[string]time.Time)
		for _, p := range prices {
			if err := upsertChainPrice(tx, p); err != nil {
				return err
			}
			if p.LastUpdated.After(touched[p.CanonicalKey]) {
				touched[p.CanonicalKey] = p.LastUpdated
			}
		}

		for key, updatedAt := range touched {
			row := canonicalProductRow{CanonicalKey: key, UpdatedAt: updatedAt}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "canonical_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("failed to touch canonical product: %w", err)
			}
			if err := recomputeAverage(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *pgStore) ListChainPrices(ctx context.Context, key string) ([]domain.ChainPriceEntry, error) {
	var rows []chainPriceRow
	if err := s.db.WithContext(ctx).Where("canonical_key = ?", key).Order("chain_name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list chain prices: %w", err)
	}

	prices := make([]domain.ChainPriceEntry, 0, len(rows))
	for _, r := range rows {
		prices = append(prices, domain.ChainPriceEntry{
			CanonicalKey: r.CanonicalKey,
			ChainName:    r.ChainName,
			PriceILS:     r.PriceILS,
			LastUpdated:  r.LastUpdated,
		})
	}
	return prices, nil
}

func (s *pgStore) GetCacheEntry(ctx context.Context, normalizedQuery string) (*domain.ResolutionCacheEntry, error) {
	var row resolutionCacheRow
	err := s.db.WithContext(ctx).Where("normalized_query = ?", normalizedQuery).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &domain.ResolutionCacheEntry{
		NormalizedQuery: row.NormalizedQuery,
		CanonicalKey:    row.CanonicalKey,
		AvgPriceILS:     row.AvgPriceILS,
		Confidence:      row.Confidence,
		SampleCount:     row.SampleCount,
		CachedAt:        row.CachedAt,
		ExpiresAt:       row.ExpiresAt,
	}, nil
}

func (s *pgStore) UpsertCacheEntry(ctx context.Context, entry domain.ResolutionCacheEntry) error {
	if entry.NormalizedQuery == "" {
		return domain.ErrInvalidRequest
	}

	row := resolutionCacheRow{
		NormalizedQuery: entry.NormalizedQuery,
		CanonicalKey:    entry.CanonicalKey,
		AvgPriceILS:     entry.AvgPriceILS,
		Confidence:      entry.Confidence,
		SampleCount:     entry.SampleCount,
		CachedAt:        entry.CachedAt,
		ExpiresAt:       entry.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "normalized_query"}},
		DoUpdates: clause.AssignmentColumns([]string{"canonical_key", "avg_price_ils", "confidence", "sample_count", "cached_at", "expires_at"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (s *pgStore) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&resolutionCacheRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *pgStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func upsertChainPrice(tx *gorm.DB, p domain.ChainPriceEntry) error {
	row := chainPriceRow{
		CanonicalKey: p.CanonicalKey,
		ChainName:    p.ChainName,
		PriceILS:     p.PriceILS,
		LastUpdated:  p.LastUpdated,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "canonical_key"}, {Name: "chain_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"price_ils", "last_updated"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to upsert chain price: %w", err)
	}
	return nil
}

// recomputeAverage sets avg/sample_count from chain rows; no-op when the key has none
func recomputeAverage(tx *gorm.DB, key string) error {
	err := tx.Exec(`
		UPDATE canonical_products
		SET avg_price_ils = agg.avg_price, sample_count = agg.n
		FROM (SELECT AVG(price_ils) AS avg_price, COUNT(*) AS n FROM chain_prices WHERE canonical_key = ?) agg
		WHERE canonical_products.canonical_key = ? AND agg.n > 0`, key, key).Error
	if err != nil {
		return fmt.Errorf("failed to recompute average: %w", err)
	}
	return nil
}

func (r canonicalProductRow) toDomain() domain.CanonicalProduct {
	return domain.CanonicalProduct{
		CanonicalKey: r.CanonicalKey,
		AvgPriceILS:  r.AvgPriceILS,
		SampleCount:  r.SampleCount,
		Category:     r.Category,
		UpdatedAt:    r.UpdatedAt,
	}
}
