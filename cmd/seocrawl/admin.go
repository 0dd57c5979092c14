package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/jobs"
	"github.com/IshaanNene/seocrawl/internal/storage"
	"github.com/IshaanNene/seocrawl/internal/types"
)

// adminSession opens the job database for one-shot commands. Jobs queued
// here are picked up by a running worker.
type adminSession struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *storage.SQLiteGateway
	sched  *jobs.Scheduler
	closer io.Closer
}

func openAdmin() (*adminSession, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closer, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.OpenSQLite(cfg.Storage.DatabasePath, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &adminSession{
		cfg:    cfg,
		logger: logger,
		store:  store,
		sched:  jobs.New(jobs.Options{Store: store, Config: cfg, Logger: logger}),
		closer: closer,
	}, nil
}

func (a *adminSession) Close() {
	_ = a.store.Close()
	_ = a.closer.Close()
}

// withAdmin wraps a command body with session setup and teardown.
func withAdmin(fn func(ctx context.Context, a *adminSession, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openAdmin()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd, args)
	}
}

var tenantMaxPages int

// tenantCmd creates the "tenant" subcommand.
func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant <id> <seed-url>",
		Short: "Register or update a tenant",
		Args:  cobra.ExactArgs(2),
		RunE: withAdmin(func(ctx context.Context, a *adminSession, cmd *cobra.Command, args []string) error {
			tenant := &types.Tenant{ID: args[0], SeedURL: args[1]}
			if tenantMaxPages > 0 {
				tenant.Config.MaxPages = tenantMaxPages
			}
			if err := a.sched.RegisterTenant(ctx, tenant); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s registered (%s)\n", tenant.ID, tenant.SeedURL)
			return nil
		}),
	}
	cmd.Flags().IntVar(&tenantMaxPages, "max-pages", 0, "page budget for this tenant's crawls")
	return cmd
}

// triggerCmd creates the "trigger" subcommand.
func triggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <tenant>",
		Short: "Queue a crawl for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(ctx context.Context, a *adminSession, cmd *cobra.Command, args []string) error {
			job, isNew, err := a.sched.TriggerCrawl(ctx, args[0], types.TriggerManual)
			if err != nil {
				return err
			}
			if isNew {
				fmt.Fprintf(cmd.OutOrStdout(), "queued job %s\n", job.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s already %s\n", job.ID, job.Status)
			}
			return nil
		}),
	}
}

// cancelCmd creates the "cancel" subcommand.
func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <tenant>",
		Short: "Cancel a tenant's active crawl",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(ctx context.Context, a *adminSession, cmd *cobra.Command, args []string) error {
			ok, err := a.sched.CancelCrawl(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "tenant %s has no active crawl\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled crawl for %s\n", args[0])
			return nil
		}),
	}
}

// scheduleCmd creates the "schedule" subcommand.
func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <tenant> <daily|weekly|monthly|none>",
		Short: "Set a tenant's recurring crawl cadence",
		Args:  cobra.ExactArgs(2),
		RunE: withAdmin(func(ctx context.Context, a *adminSession, cmd *cobra.Command, args []string) error {
			cadence, err := types.ParseCadence(args[1])
			if err != nil {
				return err
			}
			sched, err := a.sched.ScheduleCrawl(ctx, args[0], cadence)
			if err != nil {
				return err
			}
			if sched == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "schedule removed for %s\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s crawls %s, next at %s\n",
				args[0], sched.Cadence, sched.NextRunAt.Local().Format(time.RFC1123))
			return nil
		}),
	}
}

var statusLimit int

// statusCmd creates the "status" subcommand.
func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <tenant>",
		Short: "Show a tenant's recent crawl jobs",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(ctx context.Context, a *adminSession, cmd *cobra.Command, args []string) error {
			list, err := a.sched.Jobs(ctx, args[0], statusLimit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no jobs for %s\n", args[0])
				return nil
			}
			writeJobTable(cmd.OutOrStdout(), list)
			return nil
		}),
	}
	cmd.Flags().IntVar(&statusLimit, "limit", 10, "number of jobs to show")
	return cmd
}

func writeJobTable(w io.Writer, list []*types.CrawlJob) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tTRIGGER\tCRAWLED\tFAILED\tSKIPPED\tCREATED\tERROR")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			j.ID, j.Status, j.TriggeredBy,
			j.Progress.Crawled, j.Progress.Failed, j.Progress.Skipped,
			j.CreatedAt.Local().Format("2006-01-02 15:04"), j.ErrorMessage)
	}
	_ = tw.Flush()
}
