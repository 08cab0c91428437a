package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dbehnke/ptt-trunk/pkg/logger"

	// Pure Go sqlite, registered as driver "sqlite"
	"gorm.io/driver/sqlite"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory store
const MemoryPath = ":memory:"

// pragmas applied to every connection; WAL is skipped for in-memory stores
var pragmas = []string{
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// DB is the provisioning store: subscribers, talk-groups and memberships
type DB struct {
	db  *gorm.DB
	log *logger.Logger
}

// Config holds database configuration
type Config struct {
	Path string // SQLite file, or MemoryPath
}

// NewDB opens (creating if needed) the store at cfg.Path and migrates it
func NewDB(cfg Config, log *logger.Logger) (*DB, error) {
	if cfg.Path == "" {
		cfg.Path = "ptt-trunk.db"
	}
	log = log.WithComponent("database")
	memory := cfg.Path == MemoryPath

	if !memory {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	gdb, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: cfg.Path}, &gorm.Config{
		Logger: gormlogger.New(&gormLogAdapter{log: log}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if memory {
		// Each pooled connection would otherwise see its own empty database
		sqlDB.SetMaxOpenConns(1)
	}

	stmts := pragmas
	if !memory {
		stmts = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, stmt := range stmts {
		if _, err := sqlDB.Exec(stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", stmt, err)
		}
	}

	if err := gdb.AutoMigrate(&Subscriber{}, &TalkGroup{}, &Membership{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("Provisioning store opened", logger.String("path", cfg.Path))
	return &DB{db: gdb, log: log}, nil
}

// Provisioning returns a repository over this store
func (d *DB) Provisioning() *ProvisioningRepository {
	return NewProvisioningRepository(d.db)
}

// Ping checks that the store is reachable
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB returns the underlying GORM handle
func (d *DB) GetDB() *gorm.DB {
	return d.db
}

// gormLogAdapter routes GORM's slow-query and error output to our logger
type gormLogAdapter struct {
	log *logger.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
