package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stagehand/internal/queue"
)

func newPipelineCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Create and inspect task pipelines",
	}
	cmd.AddCommand(newPipelineCreateCommand(ctx))
	cmd.AddCommand(newPipelineShowCommand(ctx))
	return cmd
}

func newPipelineCreateCommand(ctx *commandContext) *cobra.Command {
	var taskID, owner, metadata string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create one waiting row per stage for a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := queue.PipelineRequest{
				TaskID:  strings.TrimSpace(taskID),
				OwnerID: strings.TrimSpace(owner),
			}
			if raw := strings.TrimSpace(metadata); raw != "" {
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("--metadata must be valid JSON")
				}
				req.Metadata = json.RawMessage(raw)
			}
			return ctx.withStore(func(store *queue.Store) error {
				id, err := store.CreatePipeline(cmd.Context(), req)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, map[string]string{"task_id": id}); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created pipeline %s (%d stages)\n", id, len(queue.Stages()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id (generated when empty)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id recorded on every stage row")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON metadata attached to every stage row")
	return cmd
}

type pipelineView struct {
	TaskID  string               `json:"task_id" yaml:"task_id"`
	Current *queue.StageRecord   `json:"current,omitempty" yaml:"current,omitempty"`
	Stages  []*queue.StageRecord `json:"stages" yaml:"stages"`
}

func newPipelineShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show every stage row of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := strings.TrimSpace(args[0])
			return ctx.withStore(func(store *queue.Store) error {
				rows, err := store.GetPipeline(cmd.Context(), taskID)
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					return fmt.Errorf("task %s not found", taskID)
				}
				current, err := store.CurrentStage(cmd.Context(), taskID)
				if err != nil {
					return err
				}
				view := pipelineView{TaskID: taskID, Current: current, Stages: rows}
				if handled, err := ctx.emit(cmd, view); handled {
					return err
				}

				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintf(out, "Task %s\n", taskID)
				if current != nil {
					fmt.Fprintf(out, "Current stage: %s (%s)\n", current.Stage, statusLabel(string(current.Status), colorize))
				}
				fmt.Fprint(out, renderTable(
					[]string{"Stage", "Status", "Owner", "Started", "Completed", "Error"},
					stageRows(rows, colorize, false),
					nil,
				))
				return nil
			})
		},
	}
}

// stageRows renders stage records; withTask prepends the task id column.
func stageRows(records []*queue.StageRecord, colorize, withTask bool) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := []string{
			string(rec.Stage),
			statusLabel(string(rec.Status), colorize),
			orDash(rec.OwnerID),
			formatTime(rec.StartedAt),
			formatTime(rec.CompletedAt),
			orDash(truncateText(rec.Error, 60)),
		}
		if withTask {
			row = append([]string{rec.TaskID}, row...)
		}
		rows = append(rows, row)
	}
	return rows
}
