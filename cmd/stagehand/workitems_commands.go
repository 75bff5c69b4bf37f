package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"stagehand/internal/claims"
	"stagehand/internal/procs"
	"stagehand/internal/spawnpool"
	"stagehand/internal/workitems"
)

func newWorkItemsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workitems",
		Aliases: []string{"items"},
		Short:   "Manage the work items the spawning pool serves",
	}
	cmd.AddCommand(newWorkItemsAddCommand(ctx))
	cmd.AddCommand(newWorkItemsListCommand(ctx))
	cmd.AddCommand(newWorkItemsShowCommand(ctx))
	cmd.AddCommand(newWorkItemsClaimCommand(ctx))
	cmd.AddCommand(newWorkItemsResolveCommand(ctx))
	cmd.AddCommand(newWorkItemsReopenCommand(ctx))
	return cmd
}

func parseItemID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid work item id %q", value)
	}
	return id, nil
}

func newWorkItemsAddCommand(ctx *commandContext) *cobra.Command {
	var itemType, priority, summary string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add an open work item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withItems(func(items *workitems.Store) error {
				item, err := items.Add(cmd.Context(), workitems.AddRequest{
					Type:     itemType,
					Priority: workitems.Priority(priority),
					Title:    strings.Join(args, " "),
					Summary:  summary,
				})
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, item); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added work item %d (%s %s)\n", item.ID, item.Priority, item.Type)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&itemType, "type", "t", workitems.TypeBug, "Item type: bug or spec")
	cmd.Flags().StringVarP(&priority, "priority", "p", string(workitems.P2), "Priority P0 through P3")
	cmd.Flags().StringVar(&summary, "summary", "", "Longer description handed to the worker")
	return cmd
}

func newWorkItemsListCommand(ctx *commandContext) *cobra.Command {
	var statusValue string
	var all bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items by priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := workitems.Filter{All: all, Limit: limit}
			if s := strings.TrimSpace(statusValue); s != "" && !all {
				status, ok := claims.ParseStatus(strings.ToLower(s))
				if !ok {
					return fmt.Errorf("unknown status %q", statusValue)
				}
				filter.Status = status
			}
			return ctx.withItems(func(items *workitems.Store) error {
				list, err := items.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, list); handled {
					return err
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No work items")
					return nil
				}
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(list))
				for _, item := range list {
					holder := "-"
					if item.Kind != "" {
						holder = fmt.Sprintf("%s/%d", item.Kind, item.PID)
					}
					rows = append(rows, []string{
						strconv.FormatInt(item.ID, 10),
						item.Priority,
						item.Type,
						statusLabel(string(item.Status), colorize),
						holder,
						truncateText(item.Title, 50),
					})
				}
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Priority", "Type", "Status", "Holder", "Title"},
					rows,
					[]columnAlignment{alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&statusValue, "status", "s", "", "Filter by status: open, in_progress, resolved (default open)")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include every status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum items to show")
	return cmd
}

func newWorkItemsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return ctx.withItems(func(items *workitems.Store) error {
				item, err := items.GetItem(cmd.Context(), id)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, item); handled {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Item %d: %s\n", item.ID, item.Title)
				fmt.Fprintf(out, "Type: %s  Priority: %s\n", item.Type, item.Priority)
				fmt.Fprintf(out, "Status: %s\n", statusLabel(string(item.Status), shouldColorize(out)))
				if item.Kind != "" {
					fmt.Fprintf(out, "Holder: %s (pid %d)\n", item.Kind, item.PID)
				}
				if item.Summary != "" {
					fmt.Fprintf(out, "Summary: %s\n", item.Summary)
				}
				if item.Resolution != "" {
					fmt.Fprintf(out, "Resolution: %s (%s)\n", item.Resolution, formatTime(item.ResolvedAt))
				}
				return nil
			})
		},
	}
}

func newWorkItemsClaimCommand(ctx *commandContext) *cobra.Command {
	var kind string
	var pid int
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a work item for the calling worker",
		Long: `Claim a work item for the calling worker.

Workers run this on start-up. The claim is taken over when it is open, held
by the same kind, or held by a process that has exited. A live holder of a
different kind keeps it and the command exits non-zero.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(kind) == "" {
				kind = os.Getenv("STAGEHAND_WORKER_KIND")
			}
			if strings.TrimSpace(kind) == "" {
				return errors.New("--kind is required")
			}
			if pid <= 0 {
				pid = os.Getppid()
			}
			return ctx.withItems(func(items *workitems.Store) error {
				result, err := spawnpool.EnsureClaimed(cmd.Context(), items, procs.Signal{}, id, strings.TrimSpace(kind), pid)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, result); handled {
					if err != nil {
						return err
					}
					return claimOutcomeError(result)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Work item %d: %s\n", id, statusLabel(string(result.Outcome), shouldColorize(out)))
				return claimOutcomeError(result)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Worker kind claiming the item (defaults to $STAGEHAND_WORKER_KIND)")
	cmd.Flags().IntVar(&pid, "pid", 0, "Worker pid (defaults to the parent process)")
	return cmd
}

func claimOutcomeError(result spawnpool.SelfClaimResult) error {
	switch result.Outcome {
	case spawnpool.SelfClaimed, spawnpool.SelfAlreadyHeld:
		return nil
	case spawnpool.SelfResolved:
		return errors.New("work item is already resolved")
	default:
		if result.Claim != nil {
			return fmt.Errorf("work item is held by %s (pid %d)", result.Claim.Kind, result.Claim.PID)
		}
		return errors.New("work item is held by another worker")
	}
}

func newWorkItemsResolveCommand(ctx *commandContext) *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a work item resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return ctx.withItems(func(items *workitems.Store) error {
				if _, err := items.GetItem(cmd.Context(), id); err != nil {
					return err
				}
				changed, err := items.Resolve(cmd.Context(), id, strings.TrimSpace(resolution))
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, map[string]bool{"resolved": changed}); handled {
					return err
				}
				if !changed {
					fmt.Fprintf(cmd.OutOrStdout(), "Work item %d was already resolved\n", id)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Resolved work item %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "Resolution note")
	return cmd
}

func newWorkItemsReopenCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <id>",
		Short: "Return a work item to open and clear its holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return ctx.withItems(func(items *workitems.Store) error {
				changed, err := items.Reopen(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !changed {
					return fmt.Errorf("work item %d: %w", id, claims.ErrNotFound)
				}
				if handled, err := ctx.emit(cmd, map[string]bool{"reopened": true}); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reopened work item %d\n", id)
				return nil
			})
		},
	}
}
