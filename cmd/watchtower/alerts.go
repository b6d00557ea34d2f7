package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newsdigest/watchtower/internal/client"
	"github.com/newsdigest/watchtower/internal/models"
)

var alertsCmd = &cobra.Command{
	Use:     "alerts",
	Aliases: []string{"alert"},
	Short:   "List and act on alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active alerts",
	Long: `List active alerts, most severe first.

Examples:
  watchtower alerts list
  watchtower alerts list --status new,escalated --severity high`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		severity, _ := cmd.Flags().GetString("severity")
		limit, _ := cmd.Flags().GetInt("limit")

		q := client.AlertQuery{Severity: severity, Limit: limit}
		if status != "" {
			q.Statuses = strings.Split(status, ",")
		}
		alerts, err := newClient().ListAlerts(context.Background(), q)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(alerts)
		}

		fmt.Printf("\n%s\n\n", cyan("=== Active Alerts ==="))
		if len(alerts) == 0 {
			fmt.Printf("  %s\n\n", gray("No active alerts"))
			return nil
		}
		for _, a := range alerts {
			printAlert(a)
			fmt.Println()
		}
		fmt.Printf("Total: %d\n", len(alerts))
		return nil
	},
}

var alertsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one alert with its delivery attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, err := newClient().GetAlert(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(detail)
		}
		printAlert(detail.Alert)
		if len(detail.Notifications) == 0 {
			fmt.Printf("    %s\n", gray("no notifications sent"))
			return nil
		}
		fmt.Printf("\n%s\n", yellow("Notifications:"))
		for _, n := range detail.Notifications {
			mark := green("✓")
			if !n.Success {
				mark = red("✗")
			}
			fmt.Printf("  %s %-10s attempt %d  %s", mark, n.Channel, n.Attempt,
				n.AttemptedAt.Local().Format("2006-01-02 15:04:05"))
			if n.Error != "" {
				fmt.Printf("  %s", red(n.Error))
			}
			fmt.Println()
		}
		return nil
	},
}

// actionCmd builds ack/resolve/reopen, which differ only in the call.
func actionCmd(use, short, verb string, call func(*client.Client, context.Context, string) (models.Alert, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alert, err := call(newClient(), context.Background(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(alert)
			}
			fmt.Printf("%s Alert %s %s (%s)\n", green("✓"), alert.ID, verb, alert.Status)
			return nil
		},
	}
}

func init() {
	alertsListCmd.Flags().String("status", "", "Comma-separated statuses (new, acknowledged, escalated, suppressed)")
	alertsListCmd.Flags().String("severity", "", "Minimum severity (low, medium, high, critical)")
	alertsListCmd.Flags().Int("limit", 0, "Maximum number of alerts")

	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsShowCmd)
	alertsCmd.AddCommand(actionCmd("ack", "Acknowledge an alert", "acknowledged", (*client.Client).Acknowledge))
	alertsCmd.AddCommand(actionCmd("resolve", "Resolve an alert", "resolved", (*client.Client).Resolve))
	alertsCmd.AddCommand(actionCmd("reopen", "Reopen a suppressed alert", "reopened", (*client.Client).Reopen))
	rootCmd.AddCommand(alertsCmd)
}
