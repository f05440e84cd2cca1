package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docfinder/internal/models"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the indexing job queue",
	}
	cmd.AddCommand(newQueueStatsCmd())
	cmd.AddCommand(newQueuePurgeCmd())
	cmd.AddCommand(newQueueReapCmd())
	cmd.AddCommand(newQueueEnqueueCmd())
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	var (
		window     int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.newQueue(nil).Stats(cmd.Context(), window)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Fprintf(out, "Jobs created in the last %dh\n", window)
			for _, status := range models.JobStatuses {
				fmt.Fprintf(out, "  %-11s %d\n", status, stats[status])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&window, "window", 24, "Window in hours")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newQueuePurgeCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished jobs older than --days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.newQueue(nil).PurgeOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "Age in days")
	return cmd
}

func newQueueReapCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Return jobs stuck in processing to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if staleAfter <= 0 {
				staleAfter = s.cfg.Queue.StaleAfter.Duration
			}
			n, err := s.newQueue(nil).ResetStale(cmd.Context(), staleAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d stale job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "Processing age that counts as stale (defaults to queue.stale_after)")
	return cmd
}

func newQueueEnqueueCmd() *cobra.Command {
	var (
		kind     string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "enqueue DOCUMENT_ID",
		Short: "Queue an indexing job for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var documentID int64
			if _, err := fmt.Sscan(args[0], &documentID); err != nil || documentID <= 0 {
				return fmt.Errorf("invalid document id %q", args[0])
			}
			jobKind, err := models.ParseJobKind(kind)
			if err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.newQueue(nil).Enqueue(cmd.Context(), documentID, jobKind, priority)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d queued\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(models.JobReindex), "Job kind (ocr, embed, analyze, reindex)")
	cmd.Flags().IntVar(&priority, "priority", models.DefaultJobPriority, "Higher runs first")
	return cmd
}
