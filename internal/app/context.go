package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"incidentline/internal/config"
	"incidentline/internal/db"
	"incidentline/internal/engine"
	"incidentline/internal/logging"
	"incidentline/internal/migrate"
	"incidentline/internal/resolve"
)

// Options select the workspace and overrides for a Runtime.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/incidentline.yml.
	ConfigPath string
	Logger     *slog.Logger
	Executor   resolve.Executor
}

// Runtime is the open state of a workspace: database, config and engine.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
	Logger    *slog.Logger
}

// LoadConfig reads the config from path, or from the workspace when path is
// empty. A workspace without a config file runs on defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(workspace)
}

// Open prepares the workspace, applies migrations and builds the engine.
// Tickets stored by earlier runs are reloaded.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := logging.OrDefault(opts.Logger)
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(ctx, engine.Options{
		Workspace: opts.Workspace,
		DB:        conn,
		Config:    cfg,
		Executor:  opts.Executor,
		Logger:    logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Runtime{
		Workspace: opts.Workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    e,
		Logger:    logger,
	}, nil
}

// Close drains the engine, then closes the database.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Engine != nil {
		if err := r.Engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
