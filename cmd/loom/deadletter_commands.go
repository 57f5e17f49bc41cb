package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/deadletter"
	"loom/internal/queue"
)

func newDeadLetterCommand(ctx *commandContext) *cobra.Command {
	deadCmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Inspect and resolve dead-lettered items",
	}

	deadCmd.AddCommand(newDeadLetterListCommand(ctx))
	deadCmd.AddCommand(newDeadLetterShowCommand(ctx))
	deadCmd.AddCommand(newDeadLetterResolveCommand(ctx))

	return deadCmd
}

func newDeadLetterListCommand(ctx *commandContext) *cobra.Command {
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries (unresolved by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDeadLetters(func(store *queue.Store, letters *deadletter.Store) error {
				entries, err := letters.List(cmd.Context(), !allFlag)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No dead-letter entries")
					return nil
				}

				rows := make([][]string, 0, len(entries))
				for _, entry := range entries {
					resolved := "no"
					if entry.Resolved() {
						resolved = "yes"
					}
					rows = append(rows, []string{
						strconv.FormatInt(entry.ID, 10),
						strconv.FormatInt(entry.WorkflowID, 10),
						strconv.Itoa(entry.FailureCount),
						formatTimeValue(entry.LastFailureAt),
						resolved,
						truncate(entry.ErrorMessage, 50),
					})
				}
				out := renderTable(
					[]string{"ID", "Item", "Failures", "Last Failure", "Resolved", "Error"},
					rows,
					1, 2, 3,
				)
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&allFlag, "all", false, "Include resolved entries")
	return cmd
}

func newDeadLetterShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one dead-letter entry including the item snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse entry id: %w", err)
			}
			return ctx.withDeadLetters(func(store *queue.Store, letters *deadletter.Store) error {
				entry, err := letters.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if entry == nil {
					return fmt.Errorf("dead-letter entry %d not found", id)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Entry %d (item %d)\n", entry.ID, entry.WorkflowID)
				fmt.Fprintf(out, "  Failures:       %d\n", entry.FailureCount)
				fmt.Fprintf(out, "  Last failure:   %s\n", formatTimeValue(entry.LastFailureAt))
				fmt.Fprintf(out, "  Error:          %s\n", orDash(entry.ErrorMessage))
				if entry.ErrorDetails != "" {
					fmt.Fprintf(out, "  Details:        %s\n", truncate(entry.ErrorDetails, 100))
				}
				if entry.Resolved() {
					fmt.Fprintf(out, "  Resolved:       %s\n", formatTimePtr(entry.ResolvedAt))
					fmt.Fprintf(out, "  Notes:          %s\n", orDash(entry.ResolutionNotes))
				} else {
					fmt.Fprintln(out, "  Resolved:       no")
				}
				if entry.OriginalData != "" {
					fmt.Fprintf(out, "  Snapshot:       %s\n", truncate(entry.OriginalData, 200))
				}
				return nil
			})
		},
	}
}

func newDeadLetterResolveCommand(ctx *commandContext) *cobra.Command {
	var notesFlag string

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a dead-letter entry handled (does not re-queue the item)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse entry id: %w", err)
			}
			return ctx.withDeadLetters(func(store *queue.Store, letters *deadletter.Store) error {
				ok, err := letters.Resolve(cmd.Context(), id, notesFlag)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("dead-letter entry %d not found or already resolved", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Entry %d resolved\n", id)
				fmt.Fprintln(cmd.OutOrStdout(), "Use `loom retry` if the item should run again.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&notesFlag, "notes", "", "Resolution notes")
	return cmd
}
