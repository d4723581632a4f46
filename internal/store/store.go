// Package store persists owners, connections, events, mirror mappings,
// availability rules and bookings.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store is a gorm backed repository. A Store returned inside Transaction or
// WithOwnerLock is bound to that transaction.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	close  func() error
}

// Open connects to the database named by dsn. Supported forms are
// postgres:// or postgresql:// URLs, mysql://<go-sql-driver DSN>,
// sqlite://<path>, file:<path> and "memory".
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	}

	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("unable to parse connection string: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("unable to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("unable to ping database: %w", err)
		}
		sqlDB := stdlib.OpenDBFromPool(pool)
		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), cfg)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return &Store{db: db, logger: logger, close: func() error {
			err := sqlDB.Close()
			pool.Close()
			return err
		}}, nil

	case strings.HasPrefix(dsn, "mysql://"):
		db, err := gorm.Open(mysql.Open(strings.TrimPrefix(dsn, "mysql://")), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql: %w", err)
		}
		return fromGorm(db, logger)

	case dsn == "memory", strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if dsn == "memory" {
			path = ":memory:"
		}
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// One connection keeps an in-memory database alive and serializes writers.
		sqlDB.SetMaxOpenConns(1)
		return fromGorm(db, logger)
	}

	return nil, apperr.Configuration("unsupported DATABASE_URL %q", redact(dsn))
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func fromGorm(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql handle: %w", err)
	}
	return &Store{db: db, logger: logger, close: sqlDB.Close}, nil
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Migrate creates or updates every table and index.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&models.Owner{},
		&models.Connection{},
		&models.Event{},
		&models.MirrorMapping{},
		&models.Availability{},
		&models.Booking{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Transaction runs fn inside one database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

// WithOwnerLock runs fn in a transaction holding an exclusive lock on the
// owner row. Concurrent callers for the same owner run one at a time.
func (s *Store) WithOwnerLock(ctx context.Context, ownerID uint, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOwner(tx, ownerID); err != nil {
			return err
		}
		return fn(&Store{db: tx, logger: s.logger})
	})
}

func lockOwner(tx *gorm.DB, ownerID uint) error {
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		var owner models.Owner
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&owner, ownerID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.KindNotFound, apperr.CodeOwnerNotFound, "owner not found")
		}
		if err != nil {
			return fmt.Errorf("failed to lock owner: %w", err)
		}
		return nil
	default:
		// SQLite has no row locks. Writing the row takes the database write
		// lock until the transaction ends.
		res := tx.Model(&models.Owner{}).Where("id = ?", ownerID).Update("updated_at", time.Now().UTC())
		if res.Error != nil {
			return fmt.Errorf("failed to lock owner: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindNotFound, apperr.CodeOwnerNotFound, "owner not found")
		}
		return nil
	}
}

func notFound(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, "", op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// likePrefix builds a LIKE pattern (escape character '!') matching values that start with prefix.
func likePrefix(prefix string) string {
	return escapeLike(prefix) + "%"
}

func likeSuffix(suffix string) string {
	return "%" + escapeLike(suffix)
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + dsn[i:]
		}
	}
	return dsn
}
