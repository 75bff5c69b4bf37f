package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stagehand/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage stage rows",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueuePositionCommand(ctx))
	queueCmd.AddCommand(newQueueCancelCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueCleanupCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

func parseStageFlag(value string) (*queue.Stage, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	stage, ok := queue.ParseStage(value)
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", value)
	}
	return &stage, nil
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show row counts per stage and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				summary, err := store.GetSummary(cmd.Context())
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, summary); handled {
					return err
				}
				rows := make([][]string, 0, len(summary))
				total := 0
				for _, stage := range queue.Stages() {
					counts := summary[stage]
					total += counts.Total()
					rows = append(rows, []string{
						string(stage),
						strconv.Itoa(counts.Waiting),
						strconv.Itoa(counts.Processing),
						strconv.Itoa(counts.Completed),
						strconv.Itoa(counts.Failed),
					})
				}
				out := cmd.OutOrStdout()
				if total == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"Stage", "Waiting", "Processing", "Completed", "Failed"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var taskID, stageValue, statusValue, owner string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stage rows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := queue.ListFilter{
				TaskID:  strings.TrimSpace(taskID),
				OwnerID: strings.TrimSpace(owner),
				Limit:   limit,
			}
			stage, err := parseStageFlag(stageValue)
			if err != nil {
				return err
			}
			if stage != nil {
				filter.Stage = *stage
			}
			if strings.TrimSpace(statusValue) != "" {
				status, ok := queue.ParseStatus(statusValue)
				if !ok {
					return fmt.Errorf("unknown status %q", statusValue)
				}
				filter.Status = status
			}
			return ctx.withStore(func(store *queue.Store) error {
				records, err := store.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, records); handled {
					return err
				}
				out := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintln(out, "No matching stage rows")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"Task", "Stage", "Status", "Owner", "Started", "Completed", "Error"},
					stageRows(records, shouldColorize(out), true),
					nil,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Filter by task id")
	cmd.Flags().StringVar(&stageValue, "stage", "", "Filter by stage")
	cmd.Flags().StringVarP(&statusValue, "status", "s", "", "Filter by status")
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to show (0 for all)")
	return cmd
}

type positionView struct {
	TaskID   string      `json:"task_id" yaml:"task_id"`
	Stage    queue.Stage `json:"stage" yaml:"stage"`
	Waiting  bool        `json:"waiting" yaml:"waiting"`
	Position int         `json:"position" yaml:"position"`
}

func newQueuePositionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "position <task-id> <stage>",
		Short: "Show how many rows are ahead of a waiting row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, ok := queue.ParseStage(args[1])
			if !ok {
				return fmt.Errorf("unknown stage %q", args[1])
			}
			taskID := strings.TrimSpace(args[0])
			return ctx.withStore(func(store *queue.Store) error {
				position, waiting, err := store.GetPosition(cmd.Context(), taskID, stage)
				if err != nil {
					return err
				}
				view := positionView{TaskID: taskID, Stage: stage, Waiting: waiting, Position: position}
				if handled, err := ctx.emit(cmd, view); handled {
					return err
				}
				out := cmd.OutOrStdout()
				if !waiting {
					fmt.Fprintf(out, "%s/%s is not waiting\n", taskID, stage)
					return nil
				}
				fmt.Fprintf(out, "%s/%s: %d ahead\n", taskID, stage, position)
				return nil
			})
		},
	}
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	var stageValue string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel waiting rows of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := parseStageFlag(stageValue)
			if err != nil {
				return err
			}
			taskID := strings.TrimSpace(args[0])
			return ctx.withStore(func(store *queue.Store) error {
				n, err := store.Cancel(cmd.Context(), taskID, stage)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, map[string]int64{"cancelled": n}); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d waiting rows of %s\n", n, taskID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageValue, "stage", "", "Cancel only this stage")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	var stageValue string
	cmd := &cobra.Command{
		Use:   "retry [task-id]",
		Short: "Move failed rows back to waiting",
		Long:  "Move failed rows back to waiting. Without a task id every failed row is retried.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := parseStageFlag(stageValue)
			if err != nil {
				return err
			}
			var taskID string
			if len(args) == 1 {
				taskID = strings.TrimSpace(args[0])
			}
			return ctx.withStore(func(store *queue.Store) error {
				n, err := store.RetryFailed(cmd.Context(), taskID, stage)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, map[string]int64{"retried": n}); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %d failed rows\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageValue, "stage", "", "Retry only this stage")
	return cmd
}

func newQueueCleanupCommand(ctx *commandContext) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished rows older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if days <= 0 {
				days = cfg.Queue.CleanupDays
			}
			return ctx.withStore(func(store *queue.Store) error {
				n, err := store.Cleanup(cmd.Context(), days)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, map[string]int64{"removed": n}); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d rows finished more than %d days ago\n", n, days)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention window in days (defaults to queue.cleanup_days)")
	return cmd
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stage row and release every lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear the queue without --yes")
			}
			return ctx.withStore(func(store *queue.Store) error {
				n, err := store.ClearAll(cmd.Context())
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, map[string]int64{"removed": n}); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d stage rows\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deleting every row")
	return cmd
}

type healthView struct {
	Database queue.DatabaseHealth `json:"database" yaml:"database"`
	Stuck    queue.HealthStatus   `json:"stuck" yaml:"stuck"`
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the queue database and report stuck rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if threshold <= 0 {
				threshold = cfg.StuckThreshold()
			}
			return ctx.withStore(func(store *queue.Store) error {
				db, err := store.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				stuck, err := store.GetHealthStatus(cmd.Context(), threshold)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, healthView{Database: db, Stuck: stuck}); handled {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Database path: %s\n", db.DBPath)
				fmt.Fprintf(out, "Database exists: %s\n", yesNo(db.DatabaseExists))
				fmt.Fprintf(out, "Readable: %s\n", yesNo(db.DatabaseReadable))
				fmt.Fprintf(out, "Schema version: %d\n", db.SchemaVersion)
				if len(db.MissingTables) > 0 {
					fmt.Fprintf(out, "Missing tables: %s\n", strings.Join(db.MissingTables, ", "))
				} else {
					fmt.Fprintln(out, "Missing tables: none")
				}
				fmt.Fprintf(out, "Integrity check: %s\n", yesNo(db.IntegrityCheck))
				fmt.Fprintf(out, "Total rows: %d\n", db.TotalRows)
				if db.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", db.Error)
				}
				if stuck.Healthy {
					fmt.Fprintf(out, "Stuck rows: none older than %s\n", stuck.Threshold)
					return nil
				}
				fmt.Fprintf(out, "Stuck rows (processing longer than %s):\n", stuck.Threshold)
				now := time.Now()
				rows := make([][]string, 0, len(stuck.Stuck))
				for _, rec := range stuck.Stuck {
					age := "-"
					if rec.StartedAt != nil {
						age = formatAge(*rec.StartedAt, now)
					}
					rows = append(rows, []string{rec.TaskID, string(rec.Stage), orDash(rec.OwnerID), age})
				}
				fmt.Fprint(out, renderTable(
					[]string{"Task", "Stage", "Owner", "Age"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "Processing age that counts as stuck (defaults to queue.stuck_threshold_minutes)")
	return cmd
}
