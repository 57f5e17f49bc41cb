package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/internal/queue"
	"loom/internal/reports"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var daysFlag int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine health, backlogs, and throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				reporter := reports.NewReporter(store.DB())
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				health, err := store.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				dbKind := statusOK
				dbValue := "ok"
				if !health.Healthy() {
					dbKind = statusError
					dbValue = "degraded"
				}
				fmt.Fprintln(out, renderSectionHeader("Database", colorize))
				fmt.Fprintln(out, renderStatusLine("path", statusInfo, health.DBPath, colorize))
				fmt.Fprintln(out, renderStatusLine("health", dbKind, dbValue, colorize))

				summary, err := reporter.Summary(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Fprintln(out, renderSectionHeader("Queue", colorize))
				for _, state := range queue.AllStates() {
					count := summary.States[state]
					kind := statusInfo
					switch state {
					case queue.StateCompleted:
						kind = statusOK
					case queue.StateFailed:
						if count > 0 {
							kind = statusError
						}
					case queue.StateQuotaExceeded:
						if count > 0 {
							kind = statusWarn
						}
					}
					fmt.Fprintln(out, renderStatusLine(string(state), kind, strconv.Itoa(count), colorize))
				}

				fmt.Fprintln(out, renderSectionHeader("Backlogs", colorize))
				deadKind := statusOK
				if summary.UnresolvedDead > 0 {
					deadKind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine("dead letters", deadKind, strconv.Itoa(summary.UnresolvedDead), colorize))
				fmt.Fprintln(out, renderStatusLine("unrelayed events", statusInfo, strconv.Itoa(summary.EventBacklog), colorize))
				if summary.OldestQueuedAge > 0 {
					fmt.Fprintln(out, renderStatusLine("oldest queued", statusInfo, summary.OldestQueuedAge.Round(time.Second).String(), colorize))
				}

				durations, err := reporter.ProcessingDurations(cmd.Context())
				if err != nil {
					return err
				}
				if durations.Count > 0 {
					fmt.Fprintln(out, renderSectionHeader("Processing durations", colorize))
					fmt.Fprintln(out, renderStatusLine("samples", statusInfo, strconv.Itoa(durations.Count), colorize))
					fmt.Fprintln(out, renderStatusLine("avg", statusInfo, durations.Avg.String(), colorize))
					fmt.Fprintln(out, renderStatusLine("p50", statusInfo, durations.P50.String(), colorize))
					fmt.Fprintln(out, renderStatusLine("p95", statusInfo, durations.P95.String(), colorize))
				}

				buckets, err := reporter.Throughput(cmd.Context(), daysFlag)
				if err != nil {
					return err
				}
				if len(buckets) > 0 {
					rows := make([][]string, 0, len(buckets))
					for _, bucket := range buckets {
						rows = append(rows, []string{
							bucket.Day,
							strconv.Itoa(bucket.Enqueued),
							strconv.Itoa(bucket.Completed),
							strconv.Itoa(bucket.Failed),
						})
					}
					fmt.Fprintln(out, renderSectionHeader("Throughput", colorize))
					fmt.Fprintln(out, renderTable([]string{"Day", "Enqueued", "Completed", "Failed"}, rows, 2, 3, 4))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&daysFlag, "days", 7, "Trailing window for the throughput table")
	return cmd
}
