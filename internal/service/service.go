// Package service wires the change intelligence core together: the
// EventStore, the ServiceGraph, the BlastRadiusAnalyzer, the
// ChangeCorrelator, and the ChangeSetGrouper. It implements the full §6
// callable-operation list and is the only place that sees all five
// collaborators at once, sequencing them the way an ingestion
// orchestrator sequences fetch -> atomize -> score -> persist behind one
// entry point.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/runbook-agent/change-intelligence/internal/blastradius"
	"github.com/runbook-agent/change-intelligence/internal/cerrors"
	"github.com/runbook-agent/change-intelligence/internal/changeset"
	"github.com/runbook-agent/change-intelligence/internal/correlate"
	"github.com/runbook-agent/change-intelligence/internal/graph"
	"github.com/runbook-agent/change-intelligence/internal/logging"
	"github.com/runbook-agent/change-intelligence/internal/models"
	"github.com/runbook-agent/change-intelligence/internal/outbox"
	"github.com/runbook-agent/change-intelligence/internal/store"
)

// ProvenanceEnricher backfills an event's canonical URL (and, where
// available, its commit SHA) from the upstream system it was sourced from.
// Satisfied by *ghprovenance.Enricher; nil disables enrichment entirely.
type ProvenanceEnricher interface {
	Enrich(ctx context.Context, event *models.ChangeEvent) error
}

// Service is the single entry point external collaborators (transport,
// CLI, tests) drive. Every method maps directly to a §6 callable
// operation.
type Service struct {
	store      *store.EventStore
	graph      *graph.ServiceGraph
	analyzer   *blastradius.Analyzer
	correlator *correlate.Correlator
	grouper    *changeset.Grouper
	outbox     *outbox.Outbox // optional; nil disables post-commit notification
	enricher   ProvenanceEnricher // optional; nil disables provenance enrichment
	logger     *logging.Logger
}

// New builds a Service over an already-open EventStore and ServiceGraph.
// ob may be nil, in which case no post-commit notification is made.
// enricher may be nil, in
// which case GitHub-sourced events are never enriched with a canonical URL.
func New(eventStore *store.EventStore, serviceGraph *graph.ServiceGraph, ob *outbox.Outbox, enricher ProvenanceEnricher, logger *logging.Logger) *Service {
	if serviceGraph == nil {
		serviceGraph = graph.New()
	}
	if logger == nil {
		if derived := logging.With(); derived != nil {
			logger = derived
		} else if standalone, err := logging.New(logging.DefaultConfig(false)); err == nil {
			logger = standalone
		}
	}
	analyzer := blastradius.New(serviceGraph)
	return &Service{
		store:      eventStore,
		graph:      serviceGraph,
		analyzer:   analyzer,
		correlator: correlate.New(serviceGraph, eventStore),
		grouper:    changeset.New(serviceGraph),
		outbox:     ob,
		enricher:   enricher,
		logger:     logger,
	}
}

// defaultsFor fills in ingest defaults on insert: a fresh UUID id, now()
// timestamp, and the documented default enum values for any field the
// caller left unset, plus empty collections for absent arrays/maps.
func defaultsFor(partial *models.ChangeEvent) (*models.ChangeEvent, error) {
	if partial.Service == "" {
		return nil, cerrors.Validation("service is required")
	}
	if partial.Summary == "" {
		return nil, cerrors.Validation("summary is required")
	}
	if partial.ChangeType == "" {
		return nil, cerrors.Validation("changeType is required")
	}

	now := time.Now().UTC()
	event := *partial
	event.ID = uuid.New().String()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	if event.Source == "" {
		event.Source = models.SourceManual
	}
	if event.Initiator == "" {
		event.Initiator = models.InitiatorUnknown
	}
	if event.Status == "" {
		event.Status = models.StatusCompleted
	}
	if event.Environment == "" {
		event.Environment = "production"
	}
	if event.AdditionalServices == nil {
		event.AdditionalServices = []string{}
	}
	if event.FilesChanged == nil {
		event.FilesChanged = []string{}
	}
	if event.ConfigKeys == nil {
		event.ConfigKeys = []string{}
	}
	if event.Tags == nil {
		event.Tags = []string{}
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.CreatedAt = now
	event.UpdatedAt = now
	return &event, nil
}

// enrichProvenance backfills a GitHub-sourced event's canonical URL before
// it is persisted. A no-op when enrichment is disabled or the event isn't
// GitHub-sourced; failures are logged, never propagated, since provenance
// enrichment must not block ingestion.
func (s *Service) enrichProvenance(ctx context.Context, event *models.ChangeEvent) {
	if s.enricher == nil || event.Source != models.SourceGitHub || event.CanonicalURL != "" {
		return
	}
	if err := s.enricher.Enrich(ctx, event); err != nil {
		s.logger.Warn("provenance enrichment failed", "event_id", event.ID, "error", err)
	}
}

// CreateEvent ingests a single change event: persist, then (if a graph is
// present) synchronously attach a blast-radius prediction, then notify
// observers post-commit, in that order.
func (s *Service) CreateEvent(ctx context.Context, partial *models.ChangeEvent) (*models.ChangeEvent, error) {
	event, err := defaultsFor(partial)
	if err != nil {
		return nil, err
	}
	s.enrichProvenance(ctx, event)

	stored, err := s.store.Insert(ctx, event)
	if err != nil {
		return nil, err
	}

	s.attachBlastRadius(ctx, stored)
	s.notify(stored)
	return stored, nil
}

// attachBlastRadius computes and persists a blast-radius prediction for an
// event's affected services, unless one is already attached. Failures are
// logged, not propagated: a prediction miss must never fail ingestion.
func (s *Service) attachBlastRadius(ctx context.Context, event *models.ChangeEvent) {
	if event.BlastRadius != nil {
		return
	}
	targets := append([]string{event.Service}, event.AdditionalServices...)
	prediction, err := s.analyzer.Predict(targets, &event.ChangeType, 0)
	if err != nil {
		s.logger.Warn("blast radius prediction failed", "event_id", event.ID, "error", err)
		return
	}
	event.BlastRadius = prediction
	if _, err := s.store.Update(ctx, event.ID, &models.PartialChangeEvent{BlastRadius: prediction}); err != nil {
		s.logger.Warn("failed to persist blast radius prediction", "event_id", event.ID, "error", err)
	}
}

// BatchCreate ingests many events inside a single transaction; blast-radius
// attachment and observer notification happen per event after the
// transaction commits. A validation failure on any event aborts the whole
// transaction before commit.
func (s *Service) BatchCreate(ctx context.Context, partials []*models.ChangeEvent) ([]*models.ChangeEvent, error) {
	events := make([]*models.ChangeEvent, len(partials))
	for i, p := range partials {
		event, err := defaultsFor(p)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		s.enrichProvenance(ctx, event)
		events[i] = event
	}

	stored := make([]*models.ChangeEvent, len(events))
	err := s.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		for i, event := range events {
			e, err := s.store.InsertTx(ctx, tx, event)
			if err != nil {
				return err
			}
			stored[i] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Blast-radius attachment and observer notification are independent
	// per event: fan out with a bounded worker pool so a large batch
	// doesn't serialize on graph traversal latency.
	g := new(errgroup.Group)
	g.SetLimit(batchPostCommitConcurrency)
	for _, e := range stored {
		e := e
		g.Go(func() error {
			s.attachBlastRadius(ctx, e)
			s.notify(e)
			return nil
		})
	}
	_ = g.Wait() // attachBlastRadius/notify already log their own failures; never fail the batch post-commit
	return stored, nil
}

const batchPostCommitConcurrency = 8

func (s *Service) notify(event *models.ChangeEvent) {
	if s.outbox == nil {
		return
	}
	if err := s.outbox.Notify(event); err != nil {
		s.logger.Warn("observer notification deferred", "event_id", event.ID, "error", err)
	}
}

// GetEvent retrieves a single event by id.
func (s *Service) GetEvent(ctx context.Context, id string) (*models.ChangeEvent, error) {
	return s.store.Get(ctx, id)
}

// UpdateEvent applies a partial update to an existing event.
func (s *Service) UpdateEvent(ctx context.Context, id string, patch *models.PartialChangeEvent) (*models.ChangeEvent, error) {
	return s.store.Update(ctx, id, patch)
}

// DeleteEvent removes an event by id.
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// QueryEvents runs a filtered scan, newest first.
func (s *Service) QueryEvents(ctx context.Context, opts models.QueryOptions) ([]*models.ChangeEvent, error) {
	return s.store.Query(ctx, opts)
}

// SearchEvents performs full-text search over summary/service.
func (s *Service) SearchEvents(ctx context.Context, q string, limit int) ([]*models.ChangeEvent, error) {
	return s.store.Search(ctx, q, limit)
}

// GetByIdempotencyKey looks up an event by its idempotency key, used by the
// ingestion host to decide between HTTP 200 (duplicate) and 201 (created).
func (s *Service) GetByIdempotencyKey(ctx context.Context, key string) (*models.ChangeEvent, error) {
	return s.store.GetByIdempotencyKey(ctx, key)
}

// CorrelateOptions configures Correlate.
type CorrelateOptions struct {
	AffectedServices    []string
	IncidentTime        time.Time
	WindowMinutes       int
	MaxResults          int
	MinScore            float64
	IncidentEnvironment *string
	IncludeChangeSets   bool
	MaxChangeSets       int
}

// CorrelateResult bundles ranked correlations with the optional change-set
// view requested via IncludeChangeSets.
type CorrelateResult struct {
	Correlations []models.ChangeCorrelation
	ChangeSets   []models.RankedChangeSet
}

const defaultCorrelateChangeSets = 5

// Correlate ranks stored events against an incident, optionally grouping
// the results into change sets for triage.
func (s *Service) Correlate(ctx context.Context, opts CorrelateOptions) (*CorrelateResult, error) {
	if opts.IncidentTime.IsZero() {
		opts.IncidentTime = time.Now().UTC()
	}
	correlations, err := s.correlator.Correlate(ctx, correlate.Options{
		AffectedServices:    opts.AffectedServices,
		IncidentTime:        opts.IncidentTime,
		WindowMinutes:       opts.WindowMinutes,
		MaxResults:          opts.MaxResults,
		MinScore:            opts.MinScore,
		IncidentEnvironment: opts.IncidentEnvironment,
	})
	if err != nil {
		return nil, err
	}

	result := &CorrelateResult{Correlations: correlations}
	if opts.IncludeChangeSets {
		maxSets := opts.MaxChangeSets
		if maxSets <= 0 {
			maxSets = defaultCorrelateChangeSets
		}
		ranked, err := s.grouper.RankForIncident(correlations, s.analyzer, maxSets)
		if err != nil {
			return nil, err
		}
		result.ChangeSets = ranked
	}
	return result, nil
}

// BlastRadius predicts upstream impact for the given target services.
func (s *Service) BlastRadius(services []string, changeType *models.ChangeType, maxDepth int) (*models.BlastRadiusPrediction, error) {
	return s.analyzer.Predict(services, changeType, maxDepth)
}

// Velocity computes a velocity trend of `periods` sequential windows ending
// at now, oldest first.
func (s *Service) Velocity(ctx context.Context, serviceName string, windowMinutes, periods int) ([]*models.VelocityMetric, error) {
	if periods <= 0 {
		periods = 1
	}
	until := time.Now().UTC()
	since := until.Add(-time.Duration(windowMinutes*periods) * time.Minute)
	return s.store.GetVelocityTrend(ctx, serviceName, since, until, windowMinutes)
}

// TriageOptions configures Triage.
type TriageOptions struct {
	IncidentTime        time.Time
	IncidentEnvironment *string
	WindowMinutes       int
	SuspectedServices   []string
	SymptomTags         []string
	MaxChangeSets       int
}

// TriageResult is the output of an incident-triage query: a ranked set of
// candidate change sets, each scored and annotated with a suggested blast
// radius.
type TriageResult struct {
	SuspectedServices []string
	ChangeSets        []models.RankedChangeSet
}

const (
	defaultTriageWindowMinutes = 120
	defaultTriageMaxChangeSets = 3
	topServicesForTriage       = 5
)

// Triage answers "what probably caused this" end to end: it derives
// suspected services (if the caller did not supply any, by picking the top
// N services by recent event count), correlates, and ranks change sets.
func (s *Service) Triage(ctx context.Context, opts TriageOptions) (*TriageResult, error) {
	if opts.IncidentTime.IsZero() {
		opts.IncidentTime = time.Now().UTC()
	}
	if opts.WindowMinutes <= 0 {
		opts.WindowMinutes = defaultTriageWindowMinutes
	}
	if opts.MaxChangeSets <= 0 {
		opts.MaxChangeSets = defaultTriageMaxChangeSets
	}

	suspected := opts.SuspectedServices
	if len(suspected) == 0 {
		derived, err := s.topServicesByVolume(ctx, opts.IncidentTime, opts.WindowMinutes, topServicesForTriage)
		if err != nil {
			return nil, err
		}
		suspected = derived
	}

	correlations, err := s.correlator.Correlate(ctx, correlate.Options{
		AffectedServices:    suspected,
		IncidentTime:        opts.IncidentTime,
		WindowMinutes:       opts.WindowMinutes,
		IncidentEnvironment: opts.IncidentEnvironment,
	})
	if err != nil {
		return nil, err
	}

	ranked, err := s.grouper.RankForIncident(correlations, s.analyzer, opts.MaxChangeSets)
	if err != nil {
		return nil, err
	}

	return &TriageResult{SuspectedServices: suspected, ChangeSets: ranked}, nil
}

// topServicesByVolume picks the top n services by event count within
// [incidentTime-window, incidentTime+window].
func (s *Service) topServicesByVolume(ctx context.Context, incidentTime time.Time, windowMinutes, n int) ([]string, error) {
	since := incidentTime.Add(-time.Duration(windowMinutes) * time.Minute)
	until := incidentTime.Add(time.Duration(windowMinutes) * time.Minute)
	events, err := s.store.Query(ctx, models.QueryOptions{Since: &since, Until: &until, Limit: 1000})
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, e := range events {
		counts[e.Service]++
	}
	services := make([]string, 0, len(counts))
	for svc := range counts {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool {
		if counts[services[i]] != counts[services[j]] {
			return counts[services[i]] > counts[services[j]]
		}
		return services[i] < services[j]
	})
	if len(services) > n {
		services = services[:n]
	}
	return services, nil
}

// GraphImport merges an exported or YAML-configured graph into the live
// graph, stamped with provenanceTag (merge is base-wins: the live graph
// keeps its existing nodes/edges on conflict).
func (s *Service) GraphImport(data []byte, format ImportFormat, provenanceTag string) error {
	imported := graph.New()
	var err error
	switch format {
	case ImportFormatJSON:
		err = imported.FromJSON(data)
	case ImportFormatYAML:
		err = imported.ImportYAML(data)
	default:
		return cerrors.Validation("unknown graph import format")
	}
	if err != nil {
		return err
	}
	return stampProvenance(imported, provenanceTag, s.graph.Merge)
}

// ImportFormat enumerates the wire shapes GraphImport accepts.
type ImportFormat int

const (
	ImportFormatJSON ImportFormat = iota
	ImportFormatYAML
)

func stampProvenance(imported *graph.ServiceGraph, provenanceTag string, merge func(*graph.ServiceGraph) error) error {
	if provenanceTag != "" {
		for _, n := range imported.ListServices() {
			if n.Metadata == nil {
				n.Metadata = map[string]string{}
			}
			if _, ok := n.Metadata["source"]; !ok {
				n.Metadata["source"] = provenanceTag
			}
			_ = imported.AddService(n)
		}
	}
	return merge(imported)
}

// ListServices returns every known service node.
func (s *Service) ListServices() []models.ServiceNode {
	return s.graph.ListServices()
}

// Dependencies returns the outgoing dependency edges of a service.
func (s *Service) Dependencies(serviceID string) []models.DependencyEdge {
	return s.graph.GetDependencies(serviceID)
}

// HealthReport is the result of Health: overall status plus store and
// graph statistics.
type HealthReport struct {
	Status     string             `json:"status"`
	StoreStats *models.StoreStats `json:"storeStats"`
	GraphStats models.GraphStats  `json:"graphStats"`
}

// Health reports store and graph statistics, used for liveness/readiness
// checks by an embedding transport layer.
func (s *Service) Health(ctx context.Context) (*HealthReport, error) {
	stats, err := s.store.GetStats(ctx)
	if err != nil {
		return &HealthReport{Status: "degraded"}, err
	}
	return &HealthReport{
		Status:     "ok",
		StoreStats: stats,
		GraphStats: s.graph.GetStats(),
	}, nil
}

// PruneOlderThan deletes events older than the given number of days.
func (s *Service) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	return s.store.PruneOlderThan(ctx, cutoff)
}

// Close releases the store and outbox's underlying file handles.
func (s *Service) Close() error {
	var firstErr error
	if err := s.store.Close(); err != nil {
		firstErr = err
	}
	if s.outbox != nil {
		if err := s.outbox.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
