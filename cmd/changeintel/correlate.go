package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/runbook-agent/change-intelligence/internal/service"
)

var (
	correlateServices      string
	correlateIncidentTime  string
	correlateWindow        int
	correlateMaxResults    int
	correlateMinScore      float64
	correlateEnvironment   string
	correlateWithChangeSets bool
	correlateMaxChangeSets int
)

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Rank recent change events against an incident",
	RunE:  runCorrelate,
}

func init() {
	correlateCmd.Flags().StringVar(&correlateServices, "services", "", "comma-separated affected services (required)")
	correlateCmd.Flags().StringVar(&correlateIncidentTime, "incident-time", "", "RFC3339 incident timestamp (default now)")
	correlateCmd.Flags().IntVar(&correlateWindow, "window-minutes", 0, "lookback/lookahead window in minutes (0 = default)")
	correlateCmd.Flags().IntVar(&correlateMaxResults, "max-results", 20, "maximum ranked correlations to return")
	correlateCmd.Flags().Float64Var(&correlateMinScore, "min-score", 0, "minimum correlation score to include")
	correlateCmd.Flags().StringVar(&correlateEnvironment, "environment", "", "incident environment, used for environment-match scoring")
	correlateCmd.Flags().BoolVar(&correlateWithChangeSets, "change-sets", false, "also group and rank results into change sets")
	correlateCmd.Flags().IntVar(&correlateMaxChangeSets, "max-change-sets", 0, "maximum change sets to return (0 = default)")
	correlateCmd.MarkFlagRequired("services")
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	incidentTime := time.Now().UTC()
	if correlateIncidentTime != "" {
		parsed, err := time.Parse(time.RFC3339, correlateIncidentTime)
		if err != nil {
			return fmt.Errorf("parse --incident-time: %w", err)
		}
		incidentTime = parsed
	}

	var env *string
	if correlateEnvironment != "" {
		env = &correlateEnvironment
	}

	result, err := svc.Correlate(context.Background(), service.CorrelateOptions{
		AffectedServices:    splitCSV(correlateServices),
		IncidentTime:        incidentTime,
		WindowMinutes:       correlateWindow,
		MaxResults:          correlateMaxResults,
		MinScore:            correlateMinScore,
		IncidentEnvironment: env,
		IncludeChangeSets:   correlateWithChangeSets,
		MaxChangeSets:       correlateMaxChangeSets,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%d correlated change(s)\n", len(result.Correlations))
	if correlateWithChangeSets {
		fmt.Printf("%d change set(s)\n", len(result.ChangeSets))
	}
	return printJSON(result)
}
