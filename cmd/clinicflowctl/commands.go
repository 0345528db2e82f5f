package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"clinicflow/api/internal/app"
	"clinicflow/api/internal/config"
	"clinicflow/api/internal/logging"
	"clinicflow/api/internal/store"
	"github.com/spf13/cobra"
)

// env bundles what every subcommand opens.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	db     *sql.DB
}

func openEnv(ctx context.Context) (*env, error) {
	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel)
	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, db: db}, nil
}

func withRuntime(ctx context.Context, fn func(*app.Runtime) error) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.db.Close()
	rt, err := app.Build(ctx, e.cfg, e.db, e.logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.db.Close()

			if !statusOnly {
				if err := store.ApplyMigrations(ctx, e.db); err != nil {
					return fmt.Errorf("apply migrations: %w", err)
				}
			}
			statuses, err := store.MigrationStatus(ctx, e.db)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tSTATE\tSOURCE")
			for _, s := range statuses {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Source.Version, s.State, s.Source.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "only print migration state")
	return cmd
}

func provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision [proposal-id]",
		Short: "Provision the tenant for a paid proposal",
		Long: `Runs the same idempotent provisioning the payment webhook triggers.
Safe to repeat; an already provisioned proposal reports already=true.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(rt *app.Runtime) error {
				result, err := rt.Provisioner.ProvisionForProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	var byID bool
	cmd := &cobra.Command{
		Use:   "status [token]",
		Short: "Show the onboarding status of a proposal",
		Long: `Prints the same projection the public status endpoint returns. Like the
endpoint, it creates the charge for a signed proposal that has none yet.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(rt *app.Runtime) error {
				token, err := resolveToken(ctx, rt, args[0], byID)
				if err != nil {
					return err
				}
				view, err := rt.Workflow.GetStatus(ctx, token)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
	cmd.Flags().BoolVar(&byID, "id", false, "treat the argument as a proposal id")
	return cmd
}

func magicLinkCmd() *cobra.Command {
	var byID bool
	cmd := &cobra.Command{
		Use:   "magic-link [token]",
		Short: "Issue a login link for a paid proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(rt *app.Runtime) error {
				token, err := resolveToken(ctx, rt, args[0], byID)
				if err != nil {
					return err
				}
				link, err := rt.Workflow.IssueMagicLink(ctx, token)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), link)
			})
		},
	}
	cmd.Flags().BoolVar(&byID, "id", false, "treat the argument as a proposal id")
	return cmd
}

func resolveToken(ctx context.Context, rt *app.Runtime, arg string, byID bool) (string, error) {
	if !byID {
		return arg, nil
	}
	return rt.Workflow.ProposalToken(ctx, arg)
}
