package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "groupfeed/pkg/logx"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the persistence layer shared by the orchestrator and every worker session.
// All methods are safe for concurrent use.
type Store struct {
	db  *gorm.DB
	log logx.Logger
}

// Open initializes the configured store and migrates the schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		dialector gorm.Dialector
		err       error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		dialector, err = openSQLite(cfg)
	case "mysql":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("storage: mysql dsn is required")
		}
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, errors.New("storage: unknown driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	st := &Store{db: db, log: log.With(logx.Component("storage"))}
	if err := st.migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	st.log.Debug("storage ready", logx.String("driver", dialector.Name()))
	return st, nil
}

// New wraps an existing gorm handle. Used by tests and tools that manage
// the connection themselves.
func New(ctx context.Context, db *gorm.DB, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	st := &Store{db: db, log: log.With(logx.Component("storage"))}
	if err := st.migrate(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("storage: auto-migrate: %w", err)
	}
	return nil
}

// Ping checks that the underlying database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
