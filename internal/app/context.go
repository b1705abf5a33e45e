package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"worldline/internal/blob"
	"worldline/internal/config"
	"worldline/internal/db"
	"worldline/internal/engine"
	"worldline/internal/migrate"
)

// Options carry the flag and environment overrides layered on top of worldline.yml.
type Options struct {
	Workspace   string
	DSN         string
	BlobRoot    string
	SeedsDir    string
	Environment string
	Logger      *zap.Logger
}

// Handle is everything a command needs, built once and passed down explicitly.
type Handle struct {
	DB     *sql.DB
	Config *config.Config
	Blobs  *blob.FSStore
	Engine engine.Engine
}

// ResolveConfig loads the workspace config (defaults when absent) and applies overrides.
func ResolveConfig(opts Options) (*config.Config, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(opts.DSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(opts.BlobRoot); v != "" {
		cfg.Blobs.Root = v
	}
	if v := strings.TrimSpace(opts.SeedsDir); v != "" {
		cfg.Seeds.Dir = v
	}
	if v := strings.TrimSpace(opts.Environment); v != "" {
		cfg.Defaults.Environment = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Resolve(opts.Workspace)
	return cfg, nil
}

// Open resolves config, opens and migrates the record store and wires the engine.
func Open(ctx context.Context, opts Options) (*Handle, error) {
	cfg, err := ResolveConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := blob.NewFSStore(cfg.Blobs.Root)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("workspace opened",
		zap.String("workspace", opts.Workspace),
		zap.String("blobs", cfg.Blobs.Root),
		zap.String("seeds", cfg.Seeds.Dir))
	return &Handle{
		DB:     conn,
		Config: cfg,
		Blobs:  store,
		Engine: engine.New(conn, cfg, store, logger),
	}, nil
}

func (h *Handle) Close() error {
	if h == nil || h.DB == nil {
		return nil
	}
	return h.DB.Close()
}
