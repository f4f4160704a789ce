package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/catdog-vision/catdog/internal/apperrors"
	"github.com/catdog-vision/catdog/internal/config"
	"github.com/catdog-vision/catdog/internal/logging"
)

// Open connects to the configured database, verifies the connection and,
// when enabled, migrates the schema.
func Open(ctx context.Context, cfg config.Database, logger zerolog.Logger) (*Store, error) {
	const op = "store.Open"
	log := logging.Component(logger, "store")

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, apperrors.Persistence(op, "failed to configure database", err)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logging.NewGormLogger(logger, cfg.SlowThreshold),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, apperrors.Persistence(op, fmt.Sprintf("failed to open %s database", cfg.Driver), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.Persistence(op, "failed to access connection pool", err)
	}
	if cfg.Driver == config.DriverSQLite {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, apperrors.Persistence(op, "database is unreachable", err)
	}

	s := NewWithDB(db, cfg.Table)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	log.Info().
		Str("driver", cfg.Driver).
		Str("dsn", cfg.MaskedDSN()).
		Str("table", s.table).
		Bool("auto_migrate", cfg.AutoMigrate).
		Msg("database connected")
	return s, nil
}

func dialectorFor(cfg config.Database) (gorm.Dialector, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(cfg.DSN()), nil
	case config.DriverMySQL:
		return mysql.Open(cfg.DSN()), nil
	case config.DriverSQLite:
		path := cfg.SQLitePath
		if path != ":memory:" && !strings.HasPrefix(path, "file:") {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		if !strings.Contains(path, "?") {
			path += "?_busy_timeout=5000&_journal_mode=WAL"
		}
		return sqlite.Open(path), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
