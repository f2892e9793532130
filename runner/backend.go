package runner

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/config"
	"github.com/gosom/meeting-transcriber/memory"
	"github.com/gosom/meeting-transcriber/models"
	"github.com/gosom/meeting-transcriber/postgres"
	"github.com/gosom/meeting-transcriber/sqlite"
)

const (
	dsnMemory  = "memory"
	sqliteName = "uploads.db"
)

// Backend bundles the repositories selected by Config.Dsn
type Backend struct {
	Kind     string
	DB       *sql.DB
	Sessions models.UploadSessionRepository
	Files    models.AudioFileRepository
	Settings *config.Service
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// OpenBackend opens the configured store. Postgres schemas are migrated
// before the repositories are built.
func OpenBackend(ctx context.Context, cfg *Config, log *zap.Logger) (*Backend, error) {
	switch {
	case cfg.Dsn == dsnMemory:
		log.Warn("using in-memory storage, sessions are lost on restart")

		return &Backend{
			Kind:     dsnMemory,
			Sessions: memory.NewUploadSessionRepository(),
			Files:    memory.NewAudioFileRepository(),
			Settings: config.New(nil, config.SQLite),
		}, nil
	case isPostgres(cfg.Dsn):
		return openPostgres(ctx, cfg, log)
	default:
		return openSQLite(cfg, log)
	}
}

func openPostgres(ctx context.Context, cfg *Config, log *zap.Logger) (*Backend, error) {
	migrator := postgres.NewMigrationRunner(cfg.Dsn, log)

	if cfg.MigrationsDir != "" {
		if err := migrator.SetMigrationsDir(cfg.MigrationsDir); err != nil {
			return nil, err
		}
	}

	if err := migrator.RunMigrations(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	db, err := postgres.Open(ctx, cfg.Dsn)
	if err != nil {
		return nil, err
	}

	sessions, err := postgres.NewUploadSessionRepository(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	files, err := postgres.NewAudioFileRepository(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("using postgres storage")

	return &Backend{
		Kind:     "postgres",
		DB:       db,
		Sessions: sessions,
		Files:    files,
		Settings: config.New(db, config.Postgres),
	}, nil
}

func openSQLite(cfg *Config, log *zap.Logger) (*Backend, error) {
	path := cfg.Dsn
	if path == "" {
		if err := os.MkdirAll(cfg.DataFolder, os.ModePerm); err != nil {
			return nil, err
		}

		path = filepath.Join(cfg.DataFolder, sqliteName)
	}

	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}

	log.Info("using sqlite storage", zap.String("path", path))

	return &Backend{
		Kind:     "sqlite",
		DB:       db,
		Sessions: sqlite.NewUploadSessionRepository(db),
		Files:    sqlite.NewAudioFileRepository(db),
		Settings: config.New(db, config.SQLite),
	}, nil
}

func (b *Backend) Close() error {
	if b.DB == nil {
		return nil
	}

	return b.DB.Close()
}
