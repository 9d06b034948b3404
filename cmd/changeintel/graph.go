package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/runbook-agent/change-intelligence/internal/service"
)

var (
	graphImportFormat string
	graphProvenance   string
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and import the service dependency graph",
}

var graphListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known service node",
	RunE:  runGraphList,
}

var graphDepsCmd = &cobra.Command{
	Use:   "dependencies [service]",
	Short: "List the outgoing dependency edges of a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphDeps,
}

var graphImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Merge a JSON or YAML graph export into the live graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphImport,
}

func init() {
	graphImportCmd.Flags().StringVar(&graphImportFormat, "format", "", "json or yaml (default: inferred from file extension)")
	graphImportCmd.Flags().StringVar(&graphProvenance, "provenance", "import", "provenance tag stamped onto imported nodes lacking one")

	graphCmd.AddCommand(graphListCmd)
	graphCmd.AddCommand(graphDepsCmd)
	graphCmd.AddCommand(graphImportCmd)
}

func runGraphList(cmd *cobra.Command, args []string) error {
	services := svc.ListServices()
	fmt.Printf("%d service(s)\n", len(services))
	return printJSON(services)
}

func runGraphDeps(cmd *cobra.Command, args []string) error {
	deps := svc.Dependencies(args[0])
	fmt.Printf("%d dependency(ies)\n", len(deps))
	return printJSON(deps)
}

func runGraphImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	format := graphImportFormat
	if format == "" {
		if strings.HasSuffix(args[0], ".json") {
			format = "json"
		} else {
			format = "yaml"
		}
	}

	var importFormat service.ImportFormat
	switch format {
	case "json":
		importFormat = service.ImportFormatJSON
	case "yaml":
		importFormat = service.ImportFormatYAML
	default:
		return fmt.Errorf("unrecognized --format %q, want json or yaml", format)
	}

	if err := svc.GraphImport(data, importFormat, graphProvenance); err != nil {
		return err
	}
	fmt.Printf("imported %s (%s)\n", args[0], format)
	return nil
}
