package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/internal/quota"
)

func newQuotaCommand(ctx *commandContext) *cobra.Command {
	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and manage quota limits and usage",
	}

	quotaCmd.AddCommand(newQuotaShowCommand(ctx))
	quotaCmd.AddCommand(newQuotaSeedCommand(ctx))
	quotaCmd.AddCommand(newQuotaLimitCommand(ctx))

	return quotaCmd
}

func resolveService(cfg *config.Config, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.Quota.DefaultService
}

func newQuotaShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show [service]",
		Short: "Show configured limits and the latest usage snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQuota(func(cfg *config.Config, tracker *quota.Tracker) error {
				service := resolveService(cfg, args)
				out := cmd.OutOrStdout()

				limits, err := tracker.Limits(cmd.Context(), service)
				if err != nil {
					return err
				}
				record, err := tracker.CurrentUsage(cmd.Context(), service)
				if err != nil {
					return err
				}
				resets, err := tracker.EstimateReset(cmd.Context(), service)
				if err != nil {
					return err
				}

				if len(limits) == 0 && record == nil {
					fmt.Fprintf(out, "No quota data for service %q\n", service)
					return nil
				}

				rows := make([][]string, 0, len(limits))
				for _, limit := range limits {
					remaining := "-"
					if record != nil {
						if usage, ok := record.Snapshot.Types[limit.QuotaType]; ok && usage.Remaining != nil {
							remaining = strconv.FormatInt(*usage.Remaining, 10)
						}
					}
					active := "yes"
					if !limit.IsActive {
						active = "no"
					}
					reset := "-"
					if at, ok := resets[limit.QuotaType]; ok {
						reset = formatTimeValue(at)
					}
					rows = append(rows, []string{
						limit.QuotaType,
						strconv.FormatInt(limit.LimitValue, 10),
						remaining,
						active,
						reset,
					})
				}

				fmt.Fprintf(out, "Service: %s\n", service)
				if record != nil {
					fmt.Fprintf(out, "Snapshot from %s", formatTimeValue(record.CreatedAt))
					if record.Snapshot.TokensUsed > 0 {
						fmt.Fprintf(out, " (tokens used %d)", record.Snapshot.TokensUsed)
					}
					fmt.Fprintln(out)
				} else {
					fmt.Fprintln(out, "No recent usage snapshot; quota treated as unconstrained")
				}
				if len(rows) > 0 {
					fmt.Fprintln(out, renderTable(
						[]string{"Quota Type", "Limit", "Remaining", "Active", "Est. Reset"},
						rows,
						2, 3,
					))
				}
				return nil
			})
		},
	}
}

func newQuotaSeedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "seed [service]",
		Short: "Seed the reference quota limits for a service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQuota(func(cfg *config.Config, tracker *quota.Tracker) error {
				service := resolveService(cfg, args)
				if err := tracker.SeedDefaults(cmd.Context(), service); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded default limits for %s (existing rows untouched)\n", service)
				return nil
			})
		},
	}
}

func newQuotaLimitCommand(ctx *commandContext) *cobra.Command {
	var (
		windowFlag   int
		inactiveFlag bool
	)

	cmd := &cobra.Command{
		Use:   "limit <service> <quota-type> <value>",
		Short: "Create or update one quota limit",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("parse limit value: %w", err)
			}
			return ctx.withQuota(func(cfg *config.Config, tracker *quota.Tracker) error {
				limit := quota.Limit{
					ServiceName:   args[0],
					QuotaType:     args[1],
					LimitValue:    value,
					WindowSeconds: windowFlag,
					IsActive:      !inactiveFlag,
				}
				if err := tracker.UpsertLimit(cmd.Context(), limit); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Limit %s/%s set to %d\n", limit.ServiceName, limit.QuotaType, limit.LimitValue)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&windowFlag, "window", 60, "Window length in seconds")
	cmd.Flags().BoolVar(&inactiveFlag, "inactive", false, "Record the limit without enforcing it")
	return cmd
}
