package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report event store and graph statistics",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	report, err := svc.Health(context.Background())
	if err != nil {
		fmt.Printf("status: %s (%v)\n", report.Status, err)
		return err
	}
	fmt.Printf("status: %s\n", report.Status)
	return printJSON(report)
}

var (
	pruneDays int
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete change events older than the given number of days",
	RunE:  runPrune,
}

func init() {
	pruneCmd.Flags().IntVar(&pruneDays, "days", 90, "retention window in days")
}

func runPrune(cmd *cobra.Command, args []string) error {
	deleted, err := svc.PruneOlderThan(context.Background(), pruneDays)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d event(s) older than %d day(s)\n", deleted, pruneDays)
	return nil
}
