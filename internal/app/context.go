// Package app wires the ledger, the config file and the engine for the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/engine"
	"agentline/internal/migrate"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/agentline.yml.
	ConfigPath      string
	ProjectOverride string
	TokenSecret     string
	Logger          *slog.Logger
}

// Runtime is an opened workspace. Close it when done.
type Runtime struct {
	Workspace  string
	ConfigPath string
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine

	projectOverride string
}

// ResolveConfig loads the workspace config, falling back to the built-in defaults when
// no file exists. An explicit path must exist.
func ResolveConfig(workspace, configPath, projectOverride string) (*config.Config, string, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.FromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", configPath, err)
		}
	} else {
		configPath = config.Path(workspace)
		cfg, err = config.LoadOptional(workspace)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", configPath, err)
		}
		if cfg == nil {
			cfg = config.Default()
		}
	}
	if projectOverride != "" {
		cfg.Orchestrator.Project = projectOverride
	}
	return cfg, configPath, nil
}

// Open resolves config, opens and migrates the ledger and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	cfg, path, err := ResolveConfig(abs, opts.ConfigPath, opts.ProjectOverride)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: abs})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	eng := engine.New(conn, cfg)
	if opts.Logger != nil {
		eng.Logger = opts.Logger
	}
	eng.TokenSecret = opts.TokenSecret
	return &Runtime{Workspace: abs, ConfigPath: path, DB: conn, Config: cfg, Engine: eng, projectOverride: opts.ProjectOverride}, nil
}

// Reload rebuilds the engine on a freshly read config. Sessions already running keep
// the settings they were admitted with; the shared run tracker is kept.
func (r *Runtime) Reload() error {
	cfg, _, err := ResolveConfig(r.Workspace, r.configOverride(), r.projectOverride)
	if err != nil {
		return err
	}
	r.Engine = r.Engine.WithConfig(cfg)
	r.Config = cfg
	return nil
}

func (r *Runtime) configOverride() string {
	if r.ConfigPath == config.Path(r.Workspace) {
		return ""
	}
	return r.ConfigPath
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// TokenSecretFromEnv returns AGENTLINE_JWT_SECRET, if set.
func TokenSecretFromEnv() string {
	return os.Getenv("AGENTLINE_JWT_SECRET")
}
