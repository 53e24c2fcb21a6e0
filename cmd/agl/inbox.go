package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentline/internal/domain"
	"agentline/internal/engine"
)

func inboxCmd() *cobra.Command {
	inbox := &cobra.Command{
		Use:   "inbox",
		Short: "Messages between sessions",
		Long:  "Direct messages and broadcasts. Polling never consumes; acknowledge with 'agl inbox consume'.",
	}
	inbox.AddCommand(inboxPostCmd())
	inbox.AddCommand(inboxBroadcastCmd())
	inbox.AddCommand(inboxPollCmd())
	inbox.AddCommand(inboxConsumeCmd())
	inbox.AddCommand(inboxReplyCmd())
	return inbox
}

// sessionDefault returns v, or the worker's own session id when v is empty.
func sessionDefault(v string) string {
	if v != "" {
		return v
	}
	return os.Getenv("AGENTLINE_SESSION_ID")
}

func inboxPostCmd() *cobra.Command {
	var req engine.PostRequest
	cmd := &cobra.Command{
		Use:   "post <payload>",
		Short: "Send a message to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Payload = args[0]
			req.FromSessionID = sessionDefault(req.FromSessionID)
			req.Project = viper.GetString("project")
			req.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msg, err := e.Post(ctx, req)
				if err != nil {
					return err
				}
				return printMessages([]domain.Message{msg})
			})
		},
	}
	cmd.Flags().StringVar(&req.ToSessionID, "to", "", "recipient session id")
	cmd.Flags().StringVar(&req.FromSessionID, "from", "", "sender session id (default $AGENTLINE_SESSION_ID)")
	cmd.Flags().StringVar(&req.Kind, "kind", "", "result, question or status (default result)")
	cmd.Flags().StringVar(&req.ReplyTo, "reply-to", "", "message this one answers")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func inboxBroadcastCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "broadcast <payload>",
		Short: "Send a message to every session of the project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msg, err := e.Post(ctx, engine.PostRequest{
					Project:       viper.GetString("project"),
					FromSessionID: sessionDefault(from),
					Kind:          domain.KindBroadcast,
					Payload:       args[0],
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printMessages([]domain.Message{msg})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender session id (default $AGENTLINE_SESSION_ID)")
	return cmd
}

func inboxPollCmd() *cobra.Command {
	var req engine.PollRequest
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "List unconsumed messages, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ReaderID = sessionDefault(req.ReaderID)
			req.Project = viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Poll(ctx, req)
				if err != nil {
					return err
				}
				return printMessages(items)
			})
		},
	}
	cmd.Flags().StringVar(&req.ReaderID, "reader", "", "reading session id (default $AGENTLINE_SESSION_ID)")
	cmd.Flags().BoolVar(&req.IncludeBroadcasts, "broadcasts", true, "include broadcasts not yet consumed by the reader")
	cmd.Flags().BoolVar(&req.IncludeConsumed, "all", false, "also list messages already consumed")
	cmd.Flags().StringVar(&req.Kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&req.Limit, "limit", 50, "maximum messages")
	return cmd
}

func inboxConsumeCmd() *cobra.Command {
	var reader string
	cmd := &cobra.Command{
		Use:   "consume <message-id>",
		Short: "Acknowledge a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MarkConsumed(ctx, args[0], sessionDefault(reader), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				if res.Recorded {
					fmt.Printf("Consumed %s at %s\n", res.MessageID, res.ConsumedAt)
				} else {
					fmt.Printf("%s was already consumed at %s\n", res.MessageID, res.ConsumedAt)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reader, "reader", "", "reading session id (default $AGENTLINE_SESSION_ID)")
	return cmd
}

func inboxReplyCmd() *cobra.Command {
	var from, kind string
	cmd := &cobra.Command{
		Use:   "reply <message-id> <payload>",
		Short: "Answer the sender of a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msg, err := e.Reply(ctx, args[0], engine.PostRequest{
					FromSessionID: sessionDefault(from),
					Kind:          kind,
					Payload:       args[1],
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printMessages([]domain.Message{msg})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender session id (default $AGENTLINE_SESSION_ID)")
	cmd.Flags().StringVar(&kind, "kind", "", "result, question or status (default result)")
	return cmd
}
