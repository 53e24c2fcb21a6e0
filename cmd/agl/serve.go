package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"agentline/internal/app"
	"agentline/internal/config"
	"agentline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader, noReload bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Serve the HTTP API. agentline.yml is watched: a valid edit applies to new spawns,
an invalid one is logged and the previous config stays in effect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runtimeOptions()
			if opts.TokenSecret == "" {
				return fmt.Errorf("AGENTLINE_JWT_SECRET is required for bearer auth")
			}
			ctx := cmd.Context()
			rt, err := app.Open(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			logger := slog.Default()
			authCfg := server.AuthConfig{
				JWTSecret:              opts.TokenSecret,
				DevLogin:               devLogin,
				AllowLegacyActorHeader: legacyHeader,
				Logger:                 logger,
			}
			live := &liveServer{rt: rt, basePath: basePath, auth: authCfg, logger: logger}
			if err := live.start(ctx); err != nil {
				return err
			}
			defer live.stop()
			if !noReload {
				onErr := func(err error) { logger.Warn("config watcher error", "error", err) }
				if err := config.Watch(ctx, rt.ConfigPath, func(op fsnotify.Op) { live.reload(ctx, op) }, onErr); err != nil {
					logger.Warn("config watcher disabled", "path", rt.ConfigPath, "error", err)
				}
			}

			srv := &http.Server{Addr: addr, Handler: live}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Agentline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			grace := time.Duration(rt.Config.Orchestrator.GraceSeconds*float64(time.Second)) + 5*time.Second
			drainCtx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			if err := live.engineShutdown(drainCtx); err != nil {
				logger.Warn("sessions still running at exit", "error", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local testing only)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id")
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "ignore agentline.yml edits")
	return cmd
}

// liveServer serves the current handler and rebuilds it when the config changes.
type liveServer struct {
	rt       *app.Runtime
	basePath string
	auth     server.AuthConfig
	logger   *slog.Logger

	mu          sync.Mutex
	handler     atomic.Value
	stopWebhook context.CancelFunc
}

func (l *liveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.handler.Load().(http.Handler).ServeHTTP(w, r)
}

func (l *liveServer) start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.install(ctx)
}

func (l *liveServer) install(ctx context.Context) error {
	handler, err := server.New(server.Config{Engine: l.rt.Engine, BasePath: l.basePath, Auth: l.auth})
	if err != nil {
		return err
	}
	l.handler.Store(handler)
	if l.stopWebhook != nil {
		l.stopWebhook()
	}
	hookCtx, cancel := context.WithCancel(ctx)
	l.stopWebhook = cancel
	server.StartWebhookDispatcher(hookCtx, l.rt.Engine)
	return nil
}

func (l *liveServer) reload(ctx context.Context, op fsnotify.Op) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	// A replaced file shows up again as Create.
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		return
	}
	if err := l.rt.Reload(); err != nil {
		l.logger.Warn("config change rejected; keeping previous config", "path", l.rt.ConfigPath, "op", op.String(), "error", err)
		return
	}
	if err := l.install(ctx); err != nil {
		l.logger.Error("rebuild handler after config change", "error", err)
		return
	}
	l.logger.Info("config reloaded", "path", l.rt.ConfigPath, "agents", len(l.rt.Config.Agents))
}

func (l *liveServer) engineShutdown(ctx context.Context) error {
	l.mu.Lock()
	e := l.rt.Engine
	l.mu.Unlock()
	return e.Shutdown(ctx)
}

func (l *liveServer) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopWebhook != nil {
		l.stopWebhook()
	}
}
