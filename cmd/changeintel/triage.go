package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/runbook-agent/change-intelligence/internal/service"
)

var (
	triageIncidentTime      string
	triageEnvironment       string
	triageWindow            int
	triageSuspectedServices string
	triageSymptomTags       string
	triageMaxChangeSets     int
)

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Suggest the most likely change sets responsible for an incident",
	RunE:  runTriage,
}

func init() {
	triageCmd.Flags().StringVar(&triageIncidentTime, "incident-time", "", "RFC3339 incident timestamp (default now)")
	triageCmd.Flags().StringVar(&triageEnvironment, "environment", "", "incident environment")
	triageCmd.Flags().IntVar(&triageWindow, "window-minutes", 0, "lookback/lookahead window in minutes (0 = default)")
	triageCmd.Flags().StringVar(&triageSuspectedServices, "services", "", "comma-separated suspected services (default: inferred from recent volume)")
	triageCmd.Flags().StringVar(&triageSymptomTags, "symptoms", "", "comma-separated symptom tags (informational)")
	triageCmd.Flags().IntVar(&triageMaxChangeSets, "max-change-sets", 0, "maximum change sets to return (0 = default)")
}

func runTriage(cmd *cobra.Command, args []string) error {
	incidentTime := time.Now().UTC()
	if triageIncidentTime != "" {
		parsed, err := time.Parse(time.RFC3339, triageIncidentTime)
		if err != nil {
			return fmt.Errorf("parse --incident-time: %w", err)
		}
		incidentTime = parsed
	}

	var env *string
	if triageEnvironment != "" {
		env = &triageEnvironment
	}

	result, err := svc.Triage(context.Background(), service.TriageOptions{
		IncidentTime:        incidentTime,
		IncidentEnvironment: env,
		WindowMinutes:       triageWindow,
		SuspectedServices:   splitCSV(triageSuspectedServices),
		SymptomTags:         splitCSV(triageSymptomTags),
		MaxChangeSets:       triageMaxChangeSets,
	})
	if err != nil {
		return err
	}

	fmt.Printf("suspected services: %v\n", result.SuspectedServices)
	fmt.Printf("%d ranked change set(s)\n", len(result.ChangeSets))
	return printJSON(result)
}
