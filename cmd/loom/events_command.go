package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/internal/queue"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var (
		limitFlag int
		itemFlag  int64
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List unrelayed domain events, or all events for one item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				var (
					events []queue.DomainEvent
					err    error
				)
				if itemFlag > 0 {
					events, err = store.EventsForItem(cmd.Context(), itemFlag)
				} else {
					events, err = store.UnprocessedEvents(cmd.Context(), limitFlag)
				}
				if err != nil {
					return err
				}
				if len(events) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No events")
					return nil
				}

				rows := make([][]string, 0, len(events))
				for _, event := range events {
					processed := "no"
					if event.Processed {
						processed = "yes"
					}
					rows = append(rows, []string{
						formatTimeValue(event.CreatedAt),
						event.EventType,
						strconv.FormatInt(event.WorkflowID, 10),
						processed,
						truncate(event.EventData, 60),
					})
				}
				out := renderTable(
					[]string{"At", "Type", "Item", "Relayed", "Data"},
					rows,
					3,
				)
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum number of unrelayed events to list")
	cmd.Flags().Int64Var(&itemFlag, "item", 0, "List every event for this item instead")
	return cmd
}
