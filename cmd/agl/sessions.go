package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentline/internal/app"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/engine/auth"
	"agentline/internal/repo"
	agentlinesdk "agentline/sdk/go"
)

func spawnCmd() *cobra.Command {
	var agentType, dir, parent, serverURL string
	var timeout int
	var async bool
	cmd := &cobra.Command{
		Use:   "spawn <task...>",
		Short: "Run a task with an agent type and wait for it",
		Long: `Spawn admits a session, runs the agent command in its own process group and waits for it.
Inside a worker, AGENTLINE_SESSION_ID becomes the default parent. With --server (or AGENTLINE_URL)
the spawn goes through the HTTP API using AGENTLINE_TOKEN; --async needs a server.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.Join(args, " ")
			if !cmd.Flags().Changed("parent") {
				parent = os.Getenv("AGENTLINE_SESSION_ID")
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			if client := remoteClient(serverURL); client != nil {
				if agentType == "" {
					return errors.New("--agent is required when spawning through a server")
				}
				return remoteSpawn(cmd.Context(), client, agentlinesdk.SpawnInput{
					AgentType:       agentType,
					Task:            task,
					WorkspacePath:   abs,
					ParentSessionID: parent,
					TimeoutSeconds:  optionalInt(cmd, "timeout", timeout),
					Project:         viper.GetString("project"),
				}, async)
			}
			if async {
				return errors.New("--async needs a running server (--server or AGENTLINE_URL)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if agentType == "" {
					agentType = e.Config.Orchestrator.DefaultAgent
				}
				rec, err := e.Spawn(ctx, engine.SpawnRequest{
					AgentType:       agentType,
					Task:            task,
					WorkspacePath:   abs,
					ParentSessionID: parent,
					TimeoutSeconds:  optionalInt(cmd, "timeout", timeout),
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if err := printSession(rec); err != nil {
					return err
				}
				return sessionOutcome(rec.ID, rec.Status)
			})
		},
	}
	cmd.Flags().StringVarP(&agentType, "agent", "a", "", "agent type (default orchestrator.default_agent)")
	cmd.Flags().StringVar(&dir, "dir", ".", "workspace path the worker runs in")
	cmd.Flags().StringVar(&parent, "parent", "", "parent session id (default $AGENTLINE_SESSION_ID)")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "timeout override in seconds")
	cmd.Flags().BoolVar(&async, "async", false, "return the pending session without waiting")
	cmd.Flags().StringVar(&serverURL, "server", "", "API base URL (default $AGENTLINE_URL)")
	return cmd
}

func remoteClient(serverURL string) *agentlinesdk.Client {
	client := agentlinesdk.FromEnv()
	if serverURL != "" {
		if client == nil {
			client = agentlinesdk.New(serverURL)
			client.BearerToken = os.Getenv("AGENTLINE_TOKEN")
		}
		client.BaseURL = serverURL
	}
	if client == nil {
		return nil
	}
	if client.BearerToken == "" {
		client.APIKey = os.Getenv("AGENTLINE_API_KEY")
	}
	// Waiting spawns last as long as the session.
	client.Timeout = 0
	return client
}

func remoteSpawn(ctx context.Context, client *agentlinesdk.Client, in agentlinesdk.SpawnInput, async bool) error {
	if async {
		wait := false
		in.Wait = &wait
	}
	s, err := client.Spawn(ctx, in)
	if err != nil {
		return err
	}
	if jsonOutput() {
		if err := printJSON(s); err != nil {
			return err
		}
	} else {
		summary := ""
		if s.ExitSummary != nil {
			summary = *s.ExitSummary
		}
		fmt.Printf("%s %s %s\n", s.ID, s.Status, summary)
	}
	if async {
		return nil
	}
	return sessionOutcome(s.ID, s.Status)
}

func sessionOutcome(id, status string) error {
	if status == domain.StatusSucceeded {
		return nil
	}
	return fmt.Errorf("session %s ended %s", id, status)
}

func sessionsCmd() *cobra.Command {
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control sessions",
		Long:  "The session ledger: every spawn, its parent, status, timing and summary.",
	}
	sessions.AddCommand(sessionsListCmd())
	sessions.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printSession(rec)
			})
		},
	})
	sessions.AddCommand(&cobra.Command{
		Use:   "children <id>",
		Short: "List direct children of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListChildren(ctx, args[0])
				if err != nil {
					return err
				}
				return printSessions(items)
			})
		},
	})
	sessions.AddCommand(&cobra.Command{
		Use:   "active",
		Short: "List pending and running sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListActive(ctx)
				if err != nil {
					return err
				}
				return printSessions(items)
			})
		},
	})
	sessions.AddCommand(sessionsCancelCmd())
	sessions.AddCommand(sessionsArchiveCmd())
	sessions.AddCommand(&cobra.Command{
		Use:   "reap",
		Short: "Fail sessions whose owning process is gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.ReapStale(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(ids)
				}
				fmt.Printf("Reaped %d session(s)\n", len(ids))
				for _, id := range ids {
					fmt.Println(" ", id)
				}
				return nil
			})
		},
	})
	return sessions
}

func sessionsListCmd() *cobra.Command {
	var f repo.SessionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.Project == "" {
					f.Project = viper.GetString("project")
				}
				items, err := e.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				return printSessions(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AgentType, "agent-type", "", "agent type filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent session id")
	cmd.Flags().BoolVar(&f.RootsOnly, "roots", false, "only sessions without a parent")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived sessions")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func sessionsCancelCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an active session",
		Long:  "Sessions started by another process need --force: the row is marked cancelled and the recorded process group is killed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Cancel(ctx, args[0], engine.CancelOptions{Force: force, ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printSession(rec)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "cancel a session owned by another process")
	return cmd
}

func sessionsArchiveCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive terminal sessions that ended before a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.ArchiveSessions(ctx, olderThan, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(ids)
				}
				fmt.Printf("Archived %d session(s)\n", len(ids))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "archive sessions that ended longer ago than this")
	return cmd
}

func statsCmd() *cobra.Command {
	var agentType string
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Outcomes, timing and estimated cost per agent type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AgentStats(ctx, agentType, days)
				if err != nil {
					return err
				}
				return printStats(items)
			})
		},
	}
	cmd.Flags().StringVar(&agentType, "agent-type", "", "only this agent type")
	cmd.Flags().IntVar(&days, "days", 0, "only sessions started in the last N days (0 = all)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actor, name string
	var scopes []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, actor, name, scopes)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("Created key %s for %s (scopes %s)\n", key.ID, key.ActorID, strings.Join(key.Scopes, ","))
				fmt.Printf("Secret: %s\n", secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeAll}, "granted scopes")
	keys.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				return printAPIKeys(items)
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "only keys of this actor")
	keys.AddCommand(list)

	keys.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return keys
}

func tokenCmd() *cobra.Command {
	var subject, sessionID string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with AGENTLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := app.TokenSecretFromEnv()
			if secret == "" {
				return errors.New("AGENTLINE_JWT_SECRET is required")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			token, err := auth.IssueToken(secret, subject, auth.TokenOptions{
				Scopes:    scopes,
				Project:   viper.GetString("project"),
				SessionID: sessionID,
				TTL:       ttl,
			})
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (default --actor-id)")
	cmd.Flags().StringVar(&sessionID, "session", "", "pin the token to a session, as worker tokens are")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeAll}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func repoEventFilters(n int, project, evtType, entityKind, entityID string) repo.EventFilters {
	return repo.EventFilters{
		Project:    project,
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		Limit:      n,
	}
}
