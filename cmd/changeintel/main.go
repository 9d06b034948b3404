// Command changeintel is the thinnest possible host for the change
// intelligence core: it wires config, the event store, the service graph,
// the analytical engine, and the notification outbox together behind a
// Cobra CLI.
// It is not a transport layer — there is no socket, router, or webhook
// parser here, only direct calls into internal/service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runbook-agent/change-intelligence/internal/config"
	"github.com/runbook-agent/change-intelligence/internal/ghprovenance"
	"github.com/runbook-agent/change-intelligence/internal/graph"
	"github.com/runbook-agent/change-intelligence/internal/logging"
	"github.com/runbook-agent/change-intelligence/internal/outbox"
	"github.com/runbook-agent/change-intelligence/internal/service"
	"github.com/runbook-agent/change-intelligence/internal/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile string
	verbose bool
	cfg     *config.Config
	svc     *service.Service
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "changeintel",
	Short: "Change Intelligence Service - incident correlation and blast-radius analysis",
	Long: `changeintel answers "what changed", "what caused this incident", and
"what will break if we change this" by coupling a durable change-event log
with a live service dependency graph.`,
	Version:           Version,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if svc != nil {
			return svc.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./changeintel.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose (debug-level) logging")

	rootCmd.SetVersionTemplate(`changeintel {{.Version}}
Build time: ` + BuildTime + `
Git commit: ` + GitCommit + `
`)

	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(blastRadiusCmd)
	rootCmd.AddCommand(correlateCmd)
	rootCmd.AddCommand(triageCmd)
	rootCmd.AddCommand(velocityCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(configCmd)
}

// setup loads configuration, initializes the global logger, opens the
// event store and outbox, seeds the service graph from the configured
// import file (if any), and builds the Service every subcommand drives.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		cfg = config.Default()
	}

	debugMode := verbose || cfg.Log.Level == "debug"
	logCfg := logging.DefaultConfig(debugMode)
	if cfg.Log.OutputFile != "" {
		logCfg.OutputFile = cfg.Log.OutputFile
	}
	logCfg.JSONFormat = cfg.Log.JSONFormat
	_ = logging.Initialize(logCfg) // no-op if already initialized this process
	logger := logging.With()

	eventStore, err := store.New(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	serviceGraph := graph.New()
	if cfg.Graph.ImportPath != "" {
		data, err := os.ReadFile(cfg.Graph.ImportPath)
		if err != nil {
			return fmt.Errorf("read graph config %s: %w", cfg.Graph.ImportPath, err)
		}
		if err := serviceGraph.ImportYAML(data); err != nil {
			return fmt.Errorf("import graph config %s: %w", cfg.Graph.ImportPath, err)
		}
	}

	ob, err := outbox.Open(cfg.Outbox.Path, logger)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	if _, err := ob.Replay(); err != nil {
		logger.Warn("outbox replay failed", "error", err)
	}

	var enricher service.ProvenanceEnricher
	if cfg.GitHub.Token != "" {
		enricher = ghprovenance.New(cfg.GitHub.Token, cfg.GitHub.RateLimit)
	}

	svc = service.New(eventStore, serviceGraph, ob, enricher, logger)
	return nil
}
