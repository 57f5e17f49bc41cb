package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/internal/queue"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		payloadFlag  string
		priorityFlag int
		holdFlag     bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a workflow item and queue it for processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				var payload queue.Metadata
				if trimmed := strings.TrimSpace(payloadFlag); trimmed != "" {
					if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
						return fmt.Errorf("parse payload: %w", err)
					}
				}

				item, err := store.Enqueue(cmd.Context(), payload, priorityFlag)
				if err != nil {
					return err
				}

				if !holdFlag {
					ok, err := store.Transition(cmd.Context(), queue.TransitionRequest{
						WorkflowID: item.ID,
						FromState:  queue.StateCreated,
						ToState:    queue.StateQueued,
						Actor:      "cli",
					})
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("item %d changed state before queueing", item.ID)
					}
				}

				state := queue.StateQueued
				if holdFlag {
					state = queue.StateCreated
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created item %d (%s)\n", item.ID, state)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&payloadFlag, "payload", "", "Item payload as a JSON object")
	cmd.Flags().IntVar(&priorityFlag, "priority", 0, "Claim priority (higher first)")
	cmd.Flags().BoolVar(&holdFlag, "hold", false, "Leave the item in created instead of queueing it")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list [state...]",
		Short: "List workflow items, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				var states []queue.State
				for _, arg := range args {
					state, ok := queue.ParseState(arg)
					if !ok {
						return fmt.Errorf("unknown state %q", arg)
					}
					states = append(states, state)
				}

				items, err := store.List(cmd.Context(), states...)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}

				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{
						strconv.FormatInt(item.ID, 10),
						string(item.State),
						orDash(item.Stage),
						strconv.Itoa(item.Priority),
						fmt.Sprintf("%d/%d", item.RetryCount, item.MaxRetries),
						formatTimeValue(item.UpdatedAt),
						truncate(item.LastError, 40),
					})
				}
				out := renderTable(
					[]string{"ID", "State", "Stage", "Prio", "Retries", "Updated", "Last Error"},
					rows,
					1, 4,
				)
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one workflow item with its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse item id: %w", err)
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				item, err := store.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Item %d\n", item.ID)
				fmt.Fprintf(out, "  State:          %s (version %d)\n", item.State, item.Version)
				fmt.Fprintf(out, "  Stage:          %s\n", orDash(item.Stage))
				fmt.Fprintf(out, "  Priority:       %d\n", item.Priority)
				fmt.Fprintf(out, "  Retries:        %d/%d\n", item.RetryCount, item.MaxRetries)
				fmt.Fprintf(out, "  Next retry:     %s\n", formatTimePtr(item.NextRetryAt))
				fmt.Fprintf(out, "  Quota hits:     %d\n", item.QuotaExceededCount)
				if item.LeaseHolder != "" {
					fmt.Fprintf(out, "  Lease:          %s since %s\n", item.LeaseHolder, formatTimePtr(item.LeaseAcquiredAt))
				}
				fmt.Fprintf(out, "  Last error:     %s\n", orDash(item.LastError))
				fmt.Fprintf(out, "  Created:        %s\n", formatTimeValue(item.CreatedAt))
				fmt.Fprintf(out, "  Queued:         %s\n", formatTimePtr(item.QueuedAt))
				fmt.Fprintf(out, "  Started:        %s\n", formatTimePtr(item.ProcessingStartedAt))
				fmt.Fprintf(out, "  Completed:      %s\n", formatTimePtr(item.CompletedAt))
				if item.Payload != "" {
					fmt.Fprintf(out, "  Payload:        %s\n", truncate(item.Payload, 100))
				}
				if item.PartialResults != "" {
					fmt.Fprintf(out, "  Partial:        %s\n", truncate(item.PartialResults, 100))
				}

				history, err := store.History(cmd.Context(), item.ID)
				if err != nil {
					return err
				}
				if len(history) > 0 {
					rows := make([][]string, 0, len(history))
					for _, record := range history {
						rows = append(rows, []string{
							formatTimeValue(record.CreatedAt),
							string(record.FromState),
							string(record.ToState),
							orDash(record.Actor),
							truncate(record.Reason, 50),
						})
					}
					fmt.Fprintln(out, "\nHistory:")
					fmt.Fprintln(out, renderTable([]string{"At", "From", "To", "Actor", "Reason"}, rows))
				}
				return nil
			})
		},
	}
}

// retryableStates are the resting states an operator may push back to queued.
var retryableStates = map[queue.State]struct{}{
	queue.StateFailed:             {},
	queue.StateQuotaExceeded:      {},
	queue.StatePartiallyProcessed: {},
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed, quota-deferred, or partially processed item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse item id: %w", err)
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				item, err := store.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				if _, ok := retryableStates[item.State]; !ok {
					return fmt.Errorf("item %d is %s; only failed, quota_exceeded, or partially_processed items can be re-queued", id, item.State)
				}

				ok, err := store.Transition(cmd.Context(), queue.TransitionRequest{
					WorkflowID: item.ID,
					FromState:  item.State,
					ToState:    queue.StateQueued,
					Reason:     "operator re-enqueue",
					Actor:      "cli",
				})
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("item %d changed state; re-run to retry from its current state", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Item %d re-queued\n", id)
				return nil
			})
		},
	}
}
