package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kelmah/offlinesync/internal/config"
	"github.com/kelmah/offlinesync/internal/logging"
	"github.com/kelmah/offlinesync/internal/models"
	offsync "github.com/kelmah/offlinesync/internal/sync"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

const idlePoll = 20 * time.Millisecond

// NewRootCommand creates the root command for the CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "offlinesync",
		Short:         "Inspect and drive the offline action queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config (default $"+config.PathEnv+")")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newCancelCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withService opens the queue, runs fn and disposes the service. The
// service starts offline unless online is set, so nothing is delivered
// behind the command's back.
func withService(ctx context.Context, opts *RootOptions, online bool, fn func(*offsync.Service) error) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	sc := cfg.Service()
	sc.Online = online
	svc := offsync.New(sc)
	if err := svc.Init(ctx); err != nil {
		return err
	}
	defer svc.Dispose()
	return fn(svc)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnqueueCommand(opts *RootOptions) *cobra.Command {
	var (
		userID     string
		maxRetries int
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <type> [payload-json]",
		Short: "Queue an action for background delivery",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(`{}`)
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}
			return withService(cmd.Context(), opts, false, func(svc *offsync.Service) error {
				id, err := svc.Enqueue(cmd.Context(), models.ActionType(args[0]), payload, &offsync.EnqueueOptions{
					Timeout:    timeout,
					MaxRetries: maxRetries,
					UserID:     userID,
				})
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]interface{}{"id": id})
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id recorded on the action")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout (default by type)")
	return cmd
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, false, func(svc *offsync.Service) error {
				st, err := svc.GetStatus(cmd.Context())
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), opts.Format, st)
			})
		},
	}
}

func writeStatus(w io.Writer, format string, st offsync.Status) error {
	if format == "json" {
		return printJSON(w, st)
	}
	_, err := fmt.Fprintf(w, "pending=%d syncing=%d failed=%d queue=%d durable=%t\n",
		st.Pending, st.Syncing, st.Failed, st.QueueSize, st.Durable)
	return err
}

func newListCommand(opts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, false, func(svc *offsync.Service) error {
				actions, err := svc.Actions(cmd.Context(), models.Status(status))
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					if actions == nil {
						actions = []*models.Action{}
					}
					return printJSON(cmd.OutOrStdout(), actions)
				}
				for _, a := range actions {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %-18s p%d %-9s retries=%d/%d\n",
						a.ID, a.Type, a.Priority, a.Status, a.RetryCount, a.MaxRetries)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list actions in this status")
	return cmd
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the API and wait for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withService(ctx, opts, true, func(svc *offsync.Service) error {
				if err := svc.ForceSyncNow(ctx); err != nil {
					return err
				}
				st, err := waitIdle(ctx, svc)
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), opts.Format, st)
			})
		},
	}
}

// waitIdle waits for a cycle started elsewhere (e.g. on Init) to finish.
func waitIdle(ctx context.Context, svc *offsync.Service) (offsync.Status, error) {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		st, err := svc.GetStatus(ctx)
		if err != nil || !st.IsSyncing {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, false, func(svc *offsync.Service) error {
				if err := svc.Cancel(cmd.Context(), models.UUID(args[0])); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled", args[0])
				return nil
			})
		},
	}
}

func newCleanupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired completed, failed and cancelled actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, false, func(svc *offsync.Service) error {
				n, err := svc.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d\n", n)
				return nil
			})
		},
	}
}

func newTokenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token [value]",
		Short: "Store the API bearer token, or clear it when no value is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			}
			return withService(cmd.Context(), opts, false, func(svc *offsync.Service) error {
				if err := svc.SetAPIToken(cmd.Context(), token); err != nil {
					return err
				}
				if token == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "token cleared")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "token stored")
				}
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "offlinesync v%s\n", Version)
			return err
		},
	}
}
