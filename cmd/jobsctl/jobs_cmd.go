package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const defaultStaleLimit = 100

func newStaleCmd(open opener) *cobra.Command {
	var (
		threshold time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List running jobs with no progress write within --threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threshold <= 0 {
				return fmt.Errorf("--threshold must be positive")
			}
			rt, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			start := time.Now()
			jobs, err := rt.manager.ListStale(cmd.Context(), threshold, limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), commandOutput{
				Command:    "stale",
				DurationMS: time.Since(start).Milliseconds(),
				Jobs:       jobOutputs(jobs),
			})
		},
	}

	cmd.Flags().DurationVar(&threshold, "threshold", 0, "Staleness threshold, e.g. 30m (required)")
	cmd.Flags().IntVar(&limit, "limit", defaultStaleLimit, "Maximum jobs to list")
	_ = cmd.MarkFlagRequired("threshold")
	return cmd
}

func newReconcileCmd(open opener) *cobra.Command {
	var (
		threshold time.Duration
		apply     bool
		actor     string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Fail running jobs with no progress write within --threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threshold <= 0 {
				return fmt.Errorf("--threshold must be positive")
			}
			rt, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			start := time.Now()
			out := commandOutput{Command: "reconcile", Applied: apply}
			if apply {
				jobs, err := rt.manager.ReconcileStale(cmd.Context(), threshold, actor)
				if err != nil {
					return err
				}
				out.Jobs = jobOutputs(jobs)
			} else {
				jobs, err := rt.manager.ListStale(cmd.Context(), threshold, 0)
				if err != nil {
					return err
				}
				out.Jobs = jobOutputs(jobs)
			}
			out.DurationMS = time.Since(start).Milliseconds()
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().DurationVar(&threshold, "threshold", 0, "Staleness threshold, e.g. 30m (required)")
	cmd.Flags().BoolVar(&apply, "apply", false, "Apply changes (default dry-run)")
	cmd.Flags().StringVar(&actor, "actor", "jobsctl", "Actor recorded in the audit trail")
	_ = cmd.MarkFlagRequired("threshold")
	return cmd
}

func newPruneCmd(open opener) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished jobs created more than --older-than ago",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			rt, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			start := time.Now()
			deleted, err := rt.manager.Prune(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), commandOutput{
				Command:    "prune",
				DurationMS: time.Since(start).Milliseconds(),
				Applied:    true,
				Deleted:    &deleted,
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age of finished jobs to delete, e.g. 720h (required)")
	_ = cmd.MarkFlagRequired("older-than")
	return cmd
}

func newMigrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			start := time.Now()
			if err := rt.migrate(cmd.Context()); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), commandOutput{
				Command:    "migrate",
				DurationMS: time.Since(start).Milliseconds(),
				Applied:    true,
			})
		},
	}
}
