package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/runbook-agent/change-intelligence/internal/models"
)

var (
	eventAdditionalServices string
	eventChangeType         string
	eventSource             string
	eventInitiator          string
	eventStatus             string
	eventEnvironment        string
	eventCommitSHA          string
	eventPRNumber           int
	eventRepository         string
	eventBranch             string
	eventIdempotencyKey     string
	eventTags               string

	queryServices    string
	queryEnvironment string
	queryLimit       int
	querySearch      int
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Create, inspect, and query change events",
}

var eventCreateCmd = &cobra.Command{
	Use:   "create [service] [summary]",
	Short: "Record a new change event",
	Args:  cobra.ExactArgs(2),
	RunE:  runEventCreate,
}

var eventGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Fetch a single change event by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventGet,
}

var eventQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List change events matching filters, newest first",
	RunE:  runEventQuery,
}

var eventSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Full-text search over event summary and service",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventSearch,
}

func init() {
	eventCreateCmd.Flags().StringVar(&eventAdditionalServices, "additional-services", "", "comma-separated list of other affected services")
	eventCreateCmd.Flags().StringVar(&eventChangeType, "type", string(models.ChangeTypeCodeChange), "change type")
	eventCreateCmd.Flags().StringVar(&eventSource, "source", string(models.SourceManual), "originating system")
	eventCreateCmd.Flags().StringVar(&eventInitiator, "initiator", string(models.InitiatorHuman), "who/what triggered the change")
	eventCreateCmd.Flags().StringVar(&eventStatus, "status", string(models.StatusCompleted), "lifecycle status")
	eventCreateCmd.Flags().StringVar(&eventEnvironment, "environment", "production", "deployment environment")
	eventCreateCmd.Flags().StringVar(&eventCommitSHA, "commit", "", "commit SHA")
	eventCreateCmd.Flags().IntVar(&eventPRNumber, "pr", 0, "pull request number")
	eventCreateCmd.Flags().StringVar(&eventRepository, "repository", "", "owner/repo")
	eventCreateCmd.Flags().StringVar(&eventBranch, "branch", "", "branch name")
	eventCreateCmd.Flags().StringVar(&eventIdempotencyKey, "idempotency-key", "", "dedupe key for retried inserts")
	eventCreateCmd.Flags().StringVar(&eventTags, "tags", "", "comma-separated tags")

	eventQueryCmd.Flags().StringVar(&queryServices, "services", "", "comma-separated service filter")
	eventQueryCmd.Flags().StringVar(&queryEnvironment, "environment", "", "environment filter")
	eventQueryCmd.Flags().IntVar(&queryLimit, "limit", 50, "maximum results")

	eventSearchCmd.Flags().IntVar(&querySearch, "limit", 20, "maximum results")

	eventCmd.AddCommand(eventCreateCmd)
	eventCmd.AddCommand(eventGetCmd)
	eventCmd.AddCommand(eventQueryCmd)
	eventCmd.AddCommand(eventSearchCmd)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runEventCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	event := &models.ChangeEvent{
		Service:            args[0],
		Summary:            args[1],
		AdditionalServices: splitCSV(eventAdditionalServices),
		ChangeType:         models.ChangeType(eventChangeType),
		Source:             models.Source(eventSource),
		Initiator:          models.Initiator(eventInitiator),
		Status:             models.Status(eventStatus),
		Environment:        eventEnvironment,
		CommitSHA:          eventCommitSHA,
		PRNumber:           eventPRNumber,
		Repository:         eventRepository,
		Branch:             eventBranch,
		IdempotencyKey:     eventIdempotencyKey,
		Tags:               splitCSV(eventTags),
		Timestamp:          time.Now().UTC(),
	}

	created, err := svc.CreateEvent(ctx, event)
	if err != nil {
		return err
	}
	return printJSON(created)
}

func runEventGet(cmd *cobra.Command, args []string) error {
	event, err := svc.GetEvent(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printJSON(event)
}

func runEventQuery(cmd *cobra.Command, args []string) error {
	opts := models.QueryOptions{
		Services:    splitCSV(queryServices),
		Environment: queryEnvironment,
		Limit:       queryLimit,
	}
	events, err := svc.QueryEvents(context.Background(), opts)
	if err != nil {
		return err
	}
	fmt.Printf("%d event(s)\n", len(events))
	return printJSON(events)
}

func runEventSearch(cmd *cobra.Command, args []string) error {
	events, err := svc.SearchEvents(context.Background(), args[0], querySearch)
	if err != nil {
		return err
	}
	fmt.Printf("%d match(es) for %q\n", len(events), args[0])
	return printJSON(events)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
