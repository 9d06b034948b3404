package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	velocityWindow  int
	velocityPeriods int
)

var velocityCmd = &cobra.Command{
	Use:   "velocity [service]",
	Short: "Show the change velocity trend for a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runVelocity,
}

func init() {
	velocityCmd.Flags().IntVar(&velocityWindow, "window-minutes", 60, "width of each velocity window")
	velocityCmd.Flags().IntVar(&velocityPeriods, "periods", 1, "number of sequential windows ending now")
}

func runVelocity(cmd *cobra.Command, args []string) error {
	metrics, err := svc.Velocity(context.Background(), args[0], velocityWindow, velocityPeriods)
	if err != nil {
		return err
	}
	fmt.Printf("%d period(s)\n", len(metrics))
	return printJSON(metrics)
}
