package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentline/internal/app"
	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/engine"
	"agentline/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "agl",
	Short: "Agentline CLI",
	Long: `Agentline spawns worker agents as sandboxed subprocesses and keeps a ledger of every session.
Core concepts:
- Workspace: the directory holding agentline.yml and the .agentline ledger.
- Agent type: a catalog entry in agentline.yml with a command, timeouts and spawn rights.
- Session: one run of one agent type on one task; pending -> running -> succeeded/failed/timed_out/cancelled.
- Depth: coordinators may spawn children up to orchestrator.max_depth levels below a root session.
- Capacity: at most orchestrator.max_running sessions are active at once.
- Inbox: sessions talk through direct messages and broadcasts; polling never consumes.
- Event log: every state change, view with 'agl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configureLogging()
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/agentline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project (overrides orchestrator.project)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(spawnCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configureLogging() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create agentline.yml and the ledger in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Keeping existing %s (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Printf("Ledger ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing agentline.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect agentline.yml"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"), viper.GetString("project"))
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cfg)
			}
			return printYAML(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate agentline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid (%d agent types)\n", path, len(cfg.Agents))
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	agents := &cobra.Command{Use: "agents", Short: "Agent type catalog"}
	agents.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agent types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printAgents(e.Agents())
			})
		},
	})
	agents.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show an agent type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				spec, err := e.Agent(args[0])
				if err != nil {
					return err
				}
				return printJSON(spec)
			})
		},
	})
	agents.AddCommand(&cobra.Command{
		Use:   "recommend <task...>",
		Short: "Recommend an agent type for a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Recommend(strings.Join(args, " "))
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(rec)
				}
				fmt.Printf("%s (score %d): %s\n", rec.Agent.Name, rec.Score, rec.Agent.Description)
				return nil
			})
		},
	})
	return agents
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: spawns, timeout warnings, finishes, messages and key changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.LatestEvents(ctx, repoEventFilters(n, viper.GetString("project"), evtType, entityKind, entityID))
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (session, message, api_key)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:       viper.GetString("workspace"),
		ConfigPath:      viper.GetString("config"),
		ProjectOverride: viper.GetString("project"),
		TokenSecret:     app.TokenSecretFromEnv(),
		Logger:          slog.Default(),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func optionalInt(cmd *cobra.Command, name string, v int) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}
