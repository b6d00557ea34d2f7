package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var thresholdCmd = &cobra.Command{
	Use:     "threshold",
	Aliases: []string{"thresholds"},
	Short:   "Inspect and override adaptive thresholds",
}

var thresholdListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := newClient().Thresholds(context.Background())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(states)
		}
		if len(states) == 0 {
			fmt.Println(gray("No metrics seen yet"))
			return nil
		}
		for _, s := range states {
			printThreshold(s)
		}
		return nil
	},
}

var thresholdGetCmd = &cobra.Command{
	Use:   "get <metric>",
	Short: "Show the threshold of one metric",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := newClient().GetThreshold(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(state)
		}
		printThreshold(state)
		return nil
	},
}

var thresholdSetCmd = &cobra.Command{
	Use:   "set <metric> <base>",
	Short: "Override the base threshold of a metric",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid base %q: %w", args[1], err)
		}
		state, err := newClient().SetBaseThreshold(context.Background(), args[0], base)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(state)
		}
		fmt.Printf("%s Base threshold of %s set to %g\n", green("✓"), state.MetricName, state.BaseThreshold)
		printThreshold(state)
		return nil
	},
}

var thresholdHistoryCmd = &cobra.Command{
	Use:   "history <metric>",
	Short: "Show recent recalculations of a threshold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		rows, err := newClient().ThresholdHistory(context.Background(), args[0], limit)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println(gray("No history"))
			return nil
		}
		for _, h := range rows {
			fmt.Printf("%s  %10.3f  mean %.3f  stddev %.3f  %s\n",
				gray(h.RecordedAt.Local().Format("2006-01-02 15:04:05")),
				h.Threshold, h.Mean, h.StdDev, h.Reason)
		}
		return nil
	},
}

func init() {
	thresholdHistoryCmd.Flags().Int("limit", 20, "Maximum number of rows")

	thresholdCmd.AddCommand(thresholdListCmd)
	thresholdCmd.AddCommand(thresholdGetCmd)
	thresholdCmd.AddCommand(thresholdSetCmd)
	thresholdCmd.AddCommand(thresholdHistoryCmd)
	rootCmd.AddCommand(thresholdCmd)
}
