package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runbook-agent/change-intelligence/internal/models"
)

var (
	blastRadiusChangeType string
	blastRadiusMaxDepth   int
)

var blastRadiusCmd = &cobra.Command{
	Use:   "blast-radius [service...]",
	Short: "Predict which services would be affected by changing the given targets",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBlastRadius,
}

func init() {
	blastRadiusCmd.Flags().StringVar(&blastRadiusChangeType, "type", "", "change type, affects db_migration risk rule")
	blastRadiusCmd.Flags().IntVar(&blastRadiusMaxDepth, "max-depth", 0, "maximum traversal depth (0 = default)")
}

func runBlastRadius(cmd *cobra.Command, args []string) error {
	var changeType *models.ChangeType
	if blastRadiusChangeType != "" {
		ct := models.ChangeType(blastRadiusChangeType)
		changeType = &ct
	}

	prediction, err := svc.BlastRadius(args, changeType, blastRadiusMaxDepth)
	if err != nil {
		return err
	}

	fmt.Printf("risk: %s, direct: %d, downstream: %d, critical path affected: %v\n",
		prediction.RiskLevel, len(prediction.DirectServices), len(prediction.DownstreamServices), prediction.CriticalPathAffected)
	return printJSON(prediction)
}
