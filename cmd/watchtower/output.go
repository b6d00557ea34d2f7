package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/newsdigest/watchtower/internal/models"
)

var (
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func severityColor(s models.Severity) func(a ...interface{}) string {
	switch s {
	case models.SeverityCritical:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	case models.SeverityHigh:
		return red
	case models.SeverityMedium:
		return yellow
	default:
		return gray
	}
}

func statusIcon(s models.AlertStatus) string {
	switch s {
	case models.StatusNew:
		return red("●")
	case models.StatusEscalated:
		return red("▲")
	case models.StatusAcknowledged:
		return yellow("◐")
	case models.StatusSuppressed:
		return gray("◌")
	default:
		return green("✓")
	}
}

// formatAge renders d as "3m", "2h" or "4d".
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func printAlert(a models.Alert) {
	sev := severityColor(a.Severity)
	fmt.Printf("%s %s  %s  %s\n", statusIcon(a.Status), a.ID, sev(strings.ToUpper(string(a.Severity))), a.Status)
	fmt.Printf("    %s\n", a.Message)
	fmt.Printf("    %s\n", gray(fmt.Sprintf("created %s ago, %d occurrence(s), escalation level %d",
		formatAge(time.Since(a.CreatedAt)), a.Occurrences, a.EscalationLevel)))
	if a.AcknowledgedBy != "" {
		fmt.Printf("    acknowledged by %s\n", a.AcknowledgedBy)
	}
	if a.ResolvedBy != "" {
		fmt.Printf("    resolved by %s\n", a.ResolvedBy)
	}
}

func printThreshold(s models.ThresholdState) {
	fmt.Printf("%s\n", cyan(s.MetricName))
	fmt.Printf("  Current:  %.3f (base %.3f)\n", s.CurrentThreshold, s.BaseThreshold)
	fmt.Printf("  Mean:     %.3f  stddev %.3f  trend %+.3f\n", s.RollingMean, s.RollingStdDev, s.Trend)
	fmt.Printf("  Bounds:   [%.3f, %.3f]\n", s.MinBound, s.MaxBound)
	fmt.Printf("  Samples:  %d\n", s.SampleCount)
	if !s.LastRecalculatedAt.IsZero() {
		fmt.Printf("  Updated:  %s\n", s.LastRecalculatedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func printFinding(f models.Finding) {
	when := f.DetectedAt.Local().Format("15:04:05")
	switch {
	case f.Anomaly != nil:
		a := f.Anomaly
		fmt.Printf("%s %s %s = %.3f over %.3f (score %.2f, votes %s)\n",
			gray(when), yellow("anomaly"), a.MetricName, a.Value, a.Threshold, a.DeviationScore,
			strings.Join(a.DetectorVotes, ","))
	case f.Pattern != nil:
		p := f.Pattern
		fmt.Printf("%s %s %s x%d %s\n",
			gray(when), yellow("pattern"), severityColor(p.Severity)(string(p.Severity)), p.Frequency, p.Signature)
	}
}
