package commands

import (
	"fmt"
	"strconv"
	"time"

	"fieldsync/internal/models"
	contextutils "fieldsync/internal/utils"
	"fieldsync/internal/worker"

	"github.com/spf13/cobra"
)

// QueueCommands returns the sync queue commands
func QueueCommands(env *Env) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Sync queue commands",
		Long: `Inspect and operate the local sync queue.

Available commands:
  stats   - Show per-status entry counts
  list    - List entries in a status
  retry   - Re-arm failed entries
  drain   - Run one drain pass now
  purge   - Delete old completed entries`,
	}

	queueCmd.AddCommand(queueStatsCmd(env))
	queueCmd.AddCommand(queueListCmd(env))
	queueCmd.AddCommand(queueRetryCmd(env))
	queueCmd.AddCommand(queueDrainCmd(env))
	queueCmd.AddCommand(queuePurgeCmd(env))

	return queueCmd
}

func queueStatsCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-status entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sc, err := env.Container(ctx)
			if err != nil {
				return err
			}
			queue, err := sc.GetSyncQueueService()
			if err != nil {
				return err
			}

			stats, err := queue.Stats(ctx)
			if err != nil {
				return contextutils.WrapError(err, "failed to read queue stats")
			}
			responses, err := sc.GetResponseService()
			if err != nil {
				return err
			}
			awaiting, err := responses.AwaitingSyncCount(ctx)
			if err != nil {
				return contextutils.WrapError(err, "failed to count responses awaiting sync")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-12s %8s\n", "Status", "Entries")
			printRule(out, 21)
			fmt.Fprintf(out, "%-12s %8d\n", models.QueueStatusPending, stats.Pending)
			fmt.Fprintf(out, "%-12s %8d\n", models.QueueStatusProcessing, stats.Processing)
			fmt.Fprintf(out, "%-12s %8d\n", models.QueueStatusCompleted, stats.Completed)
			fmt.Fprintf(out, "%-12s %8d\n", models.QueueStatusFailed, stats.Failed)
			printRule(out, 21)
			fmt.Fprintf(out, "%-12s %8d\n", "outstanding", stats.Outstanding())
			fmt.Fprintf(out, "\n%d responses awaiting sync\n", awaiting)
			return nil
		},
	}
}

func queueListCmd(env *Env) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			queueStatus := models.QueueStatus(status)
			switch queueStatus {
			case models.QueueStatusPending, models.QueueStatusProcessing, models.QueueStatusCompleted, models.QueueStatusFailed:
			default:
				return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown status %q", status)
			}

			sc, err := env.Container(ctx)
			if err != nil {
				return err
			}
			queue, err := sc.GetSyncQueueService()
			if err != nil {
				return err
			}

			entries, err := queue.ListEntries(ctx, queueStatus, limit)
			if err != nil {
				return contextutils.WrapError(err, "failed to list queue entries")
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "No %s entries\n", status)
				return nil
			}
			fmt.Fprintf(out, "%-6s %-16s %-38s %-8s %-20s %s\n", "ID", "Operation", "Entity", "Attempts", "Updated", "Last error")
			printRule(out, 120)
			for _, e := range entries {
				fmt.Fprintf(out, "%-6d %-16s %-38s %-8d %-20s %s\n",
					e.ID, e.Operation, e.EntityID, e.Attempts, formatTime(e.UpdatedAt), truncate(e.LastError, 60))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", string(models.QueueStatusFailed), "Entry status: pending, processing, completed or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")
	return cmd
}

func queueRetryCmd(env *Env) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [queue-id]",
		Short: "Re-arm failed entries for another delivery attempt",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if all == (len(args) == 1) {
				return contextutils.WrapError(contextutils.ErrInvalidInput, "pass either a queue id or --all")
			}

			sc, err := env.Container(ctx)
			if err != nil {
				return err
			}
			queue, err := sc.GetSyncQueueService()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if all {
				n, err := queue.RetryAllFailed(ctx)
				if err != nil {
					return contextutils.WrapError(err, "failed to retry entries")
				}
				fmt.Fprintf(out, "Re-armed %d failed entries\n", n)
				return nil
			}

			queueID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "invalid queue id %q", args[0])
			}
			if err := queue.RetryFailed(ctx, queueID); err != nil {
				return contextutils.WrapErrorf(err, "failed to retry entry %d", queueID)
			}
			fmt.Fprintf(out, "Re-armed entry %d\n", queueID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Re-arm every failed entry")
	return cmd
}

func queueDrainCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one drain pass against the ingest service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sc, err := env.Container(ctx)
			if err != nil {
				return err
			}
			w, err := sc.GetWorker()
			if err != nil {
				return err
			}

			record, err := w.RunOnce(ctx, worker.TriggerManual)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Processed %d: %d completed, %d retried, %d failed, %d dropped in %s\n",
				record.Processed, record.Completed, record.Retried, record.Failed, record.Dropped,
				record.FinishedAt.Sub(record.StartedAt).Round(time.Millisecond))
			if err != nil {
				return contextutils.WrapError(err, "drain pass failed")
			}
			return nil
		},
	}
}

func queuePurgeCmd(env *Env) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed entries older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sc, err := env.Container(ctx)
			if err != nil {
				return err
			}
			queue, err := sc.GetSyncQueueService()
			if err != nil {
				return err
			}

			n, err := queue.PurgeCompleted(ctx, olderThan)
			if err != nil {
				return contextutils.WrapError(err, "failed to purge completed entries")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d completed entries\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Minimum age of the completed entries to delete")
	return cmd
}
