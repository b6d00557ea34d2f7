package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Show recent anomaly and pattern findings",
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, _ := cmd.Flags().GetInt("minutes")
		findings, err := newClient().Findings(context.Background(), minutes)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(findings)
		}
		if len(findings) == 0 {
			fmt.Println(gray(fmt.Sprintf("No findings in the last %d minutes", minutes)))
			return nil
		}
		for _, f := range findings {
			printFinding(f)
		}
		return nil
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List recurring log patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := newClient().Patterns(context.Background())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(records)
		}
		if len(records) == 0 {
			fmt.Println(gray("No patterns"))
			return nil
		}
		for _, p := range records {
			fmt.Printf("%6d  %-8s %s\n", p.Frequency, severityColor(p.Severity)(string(p.Severity)), p.Signature)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient().Health(context.Background())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(h)
		}
		status := green(h.Status)
		if h.Status != "ok" {
			status = red(h.Status)
		}
		fmt.Printf("Status:       %s\n", status)
		if h.StoreError != "" {
			fmt.Printf("Store:        %s\n", red(h.StoreError))
		}
		fmt.Printf("Voters:       %s\n", strings.Join(h.Voters, ", "))
		fmt.Printf("Channels:     %s\n", strings.Join(h.Channels, ", "))
		fmt.Printf("Write queue:  %d\n", h.PersistenceQueue)
		fmt.Printf("Findings:     %d recent\n", h.RecentFindings)
		return nil
	},
}

func init() {
	findingsCmd.Flags().Int("minutes", 60, "Look-back window in minutes")
	rootCmd.AddCommand(findingsCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(healthCmd)
}
