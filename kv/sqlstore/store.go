// Package sqlstore implements kv.Store on a relational database through gorm.
// SQLite, PostgreSQL and MySQL are supported. Compare-and-swap is a
// conditional UPDATE (or INSERT ... ON CONFLICT DO NOTHING for create) whose
// affected-row count decides the outcome, so it is atomic per row.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/kv"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry is the row layout of the key-value table.
type Entry struct {
	Key       string     `gorm:"column:k;primaryKey;size:255"`
	Value     []byte     `gorm:"column:v;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

// TableName pins the table name regardless of gorm naming strategy.
func (Entry) TableName() string {
	return "authgate_kv"
}

// Open connects to driver ("sqlite", "postgres" or "mysql") with dsn.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres", "postgresql":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "mysql":
		db, err = gorm.Open(mysql.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Store is a kv.Store over a gorm connection.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New migrates the key-value table and returns a Store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("nil gorm db")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate kv table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.now().Add(ttl).UTC()
	return &t
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var e Entry
	err := s.db.WithContext(ctx).
		Where("k = ? AND (expires_at IS NULL OR expires_at > ?)", key, s.now().UTC()).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return e.Value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := Entry{Key: key, Value: value, ExpiresAt: s.expiry(ttl), UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "k"}},
		DoUpdates: clause.AssignmentColumns([]string{"v", "expires_at", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("k = ?", key).Delete(&Entry{}).Error; err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	db := s.db.WithContext(ctx)

	if prev == nil {
		// an expired row still occupies the primary key
		if err := db.Where("k = ? AND expires_at IS NOT NULL AND expires_at <= ?", key, now).
			Delete(&Entry{}).Error; err != nil {
			return false, unavailable(err)
		}
		e := Entry{Key: key, Value: next, ExpiresAt: s.expiry(ttl), UpdatedAt: now}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
		if res.Error != nil {
			return false, unavailable(res.Error)
		}
		return res.RowsAffected == 1, nil
	}

	res := db.Model(&Entry{}).
		Where("k = ? AND v = ? AND (expires_at IS NULL OR expires_at > ?)", key, prev, now).
		Updates(map[string]any{
			"v":          next,
			"expires_at": s.expiry(ttl),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, unavailable(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// PurgeExpired deletes rows whose TTL has elapsed and returns how many.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.now().UTC()).
		Delete(&Entry{})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the underlying connection pool.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
}
