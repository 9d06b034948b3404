// Package correlate implements ChangeCorrelator: ranking stored change
// events against an incident using a weighted, multi-factor score.
package correlate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/runbook-agent/change-intelligence/internal/models"
	"github.com/runbook-agent/change-intelligence/internal/provenance"
)

// Grapher is the subset of ServiceGraph the correlator needs to expand a
// service set by hop distance.
type Grapher interface {
	GetDependencies(id string) []models.DependencyEdge
	GetDependents(id string) []models.DependencyEdge
}

// EventSource is the subset of EventStore the correlator reads from.
type EventSource interface {
	GetRecentForServices(ctx context.Context, services []string, since, until time.Time) ([]*models.ChangeEvent, error)
	Query(ctx context.Context, opts models.QueryOptions) ([]*models.ChangeEvent, error)
}

// Correlator ranks candidate change events against an incident.
type Correlator struct {
	graph Grapher // may be nil; only the affected services themselves are matched (no neighbor expansion)
	store EventSource
}

// New builds a Correlator. graph may be nil.
func New(graph Grapher, store EventSource) *Correlator {
	return &Correlator{graph: graph, store: store}
}

// Options configures a single Correlate call.
type Options struct {
	AffectedServices    []string
	IncidentTime        time.Time
	WindowMinutes       int
	MaxResults          int
	MinScore            float64
	IncidentEnvironment *string
}

const (
	defaultWindowMinutes = 120
	defaultMaxResults    = 20
	defaultMinScore      = 0.1
)

func (o *Options) withDefaults() {
	if o.WindowMinutes <= 0 {
		o.WindowMinutes = defaultWindowMinutes
	}
	if o.MaxResults <= 0 {
		o.MaxResults = defaultMaxResults
	}
	if o.MinScore == 0 {
		o.MinScore = defaultMinScore
	}
}

// ExpandServices returns a hop-distance map covering affected at hop 0 and
// their 1- and 2-hop upstream/downstream neighbors. An explicit direct
// member is never demoted by a farther discovery through another target
// (first-writer-wins, and direct always wins).
func ExpandServices(graph Grapher, affected []string) map[string]int {
	expanded := make(map[string]int, len(affected))
	for _, svc := range affected {
		expanded[svc] = 0
	}
	if graph == nil {
		return expanded
	}

	frontier := append([]string{}, affected...)
	for hop := 1; hop <= 2; hop++ {
		var next []string
		for _, svc := range frontier {
			for _, edge := range graph.GetDependencies(svc) {
				next = append(next, edge.Target)
			}
			for _, edge := range graph.GetDependents(svc) {
				next = append(next, edge.Source)
			}
		}
		for _, n := range next {
			if _, ok := expanded[n]; !ok {
				expanded[n] = hop
			}
			// direct (hop 0) entries are never overwritten; farther hops
			// never overwrite a nearer one either, since we only set when
			// absent above.
		}
		frontier = next
	}
	return expanded
}

// Correlate scores candidate change events against an incident.
func (c *Correlator) Correlate(ctx context.Context, opts Options) ([]models.ChangeCorrelation, error) {
	opts.withDefaults()

	expanded := ExpandServices(c.graph, opts.AffectedServices)

	since := opts.IncidentTime.Add(-time.Duration(opts.WindowMinutes) * time.Minute)
	until := opts.IncidentTime.Add(time.Duration(opts.WindowMinutes) * time.Minute)

	var candidates []*models.ChangeEvent
	var err error
	if len(expanded) == 0 {
		candidates, err = c.store.Query(ctx, models.QueryOptions{Since: &since, Until: &until, Limit: 1000})
	} else {
		services := make([]string, 0, len(expanded))
		for svc := range expanded {
			services = append(services, svc)
		}
		candidates, err = c.store.GetRecentForServices(ctx, services, since, until)
	}
	if err != nil {
		return nil, err
	}

	var results []models.ChangeCorrelation
	for _, event := range candidates {
		corr := c.score(*event, expanded, opts)
		if corr.CorrelationScore < opts.MinScore {
			continue
		}
		results = append(results, corr)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CorrelationScore > results[j].CorrelationScore
	})
	if len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}
	return results, nil
}

func (c *Correlator) score(event models.ChangeEvent, expanded map[string]int, opts Options) models.ChangeCorrelation {
	deltaMin := math.Abs(opts.IncidentTime.Sub(event.Timestamp).Minutes())
	timeProximity := math.Exp(-deltaMin / 30.0)

	serviceAdjacency, overlap, usedHop := serviceAdjacencyScore(event, expanded)

	changeRisk := 0.2
	if event.BlastRadius != nil {
		changeRisk = riskLevelWeight(event.BlastRadius.RiskLevel)
	}

	changeTypeWeight := changeTypeScore(event.ChangeType)

	environmentMatch := 0.5
	if opts.IncidentEnvironment != nil {
		if event.Environment == *opts.IncidentEnvironment {
			environmentMatch = 1.0
		} else {
			environmentMatch = 0.2
		}
	}

	overall := 0.35*timeProximity + 0.30*serviceAdjacency + 0.15*changeRisk + 0.10*changeTypeWeight + 0.10*environmentMatch

	factors := models.ConfidenceFactors{
		TimeProximity:    round3(timeProximity),
		ServiceAdjacency: round3(serviceAdjacency),
		ChangeRisk:       round3(changeRisk),
		ChangeType:       round3(changeTypeWeight),
		EnvironmentMatch: round3(environmentMatch),
	}

	reasons := buildReasons(event, deltaMin, usedHop, overlap, opts)
	evidence := provenance.ExtractEventEvidence(event)
	if usedHop > 0 {
		evidence = append(evidence, models.EvidenceLink{
			Type:  models.EvidenceTypeGraphPath,
			URL:   fmt.Sprintf("graph-path://%s", event.Service),
			Label: fmt.Sprintf("%d-hop service adjacency", usedHop),
		})
	}
	if len(evidence) > 20 {
		evidence = evidence[:20]
	}

	return models.ChangeCorrelation{
		ChangeEvent:        event,
		CorrelationScore:   round3(overall),
		CorrelationReasons: reasons,
		WhyRelevant:        reasons,
		ServiceOverlap:     overlap,
		TimeDeltaMinutes:   round3(deltaMin),
		Confidence:         models.Confidence{Overall: round3(overall), Factors: factors},
		Evidence:           evidence,
	}
}

// serviceAdjacencyScore returns the max adjacency score across the event's
// services (primary + additional), the distinct matched service names, and
// the smallest hop distance used (0 = direct, -1 = no service matched).
func serviceAdjacencyScore(event models.ChangeEvent, expanded map[string]int) (float64, []string, int) {
	services := append([]string{event.Service}, event.AdditionalServices...)
	best := 0.0
	bestHop := -1
	var overlap []string
	seen := map[string]bool{}
	for _, svc := range services {
		hop, ok := expanded[svc]
		if !ok {
			continue
		}
		if !seen[svc] {
			seen[svc] = true
			overlap = append(overlap, svc)
		}
		var score float64
		switch hop {
		case 0:
			score = 1.0
		case 1:
			score = 0.7
		case 2:
			score = 0.4
		}
		if score > best {
			best = score
		}
		if bestHop == -1 || hop < bestHop {
			bestHop = hop
		}
	}
	return best, overlap, bestHop
}

func riskLevelWeight(level models.RiskLevel) float64 {
	switch level {
	case models.RiskLevelCritical:
		return 1.0
	case models.RiskLevelHigh:
		return 0.8
	case models.RiskLevelMedium:
		return 0.5
	case models.RiskLevelLow:
		return 0.2
	default:
		return 0.2
	}
}

func changeTypeScore(ct models.ChangeType) float64 {
	switch ct {
	case models.ChangeTypeDeployment:
		return 1.0
	case models.ChangeTypeConfigChange:
		return 0.9
	case models.ChangeTypeDBMigration:
		return 0.85
	case models.ChangeTypeFeatureFlag:
		return 0.8
	case models.ChangeTypeInfraModification:
		return 0.7
	case models.ChangeTypeCodeChange:
		return 0.65
	case models.ChangeTypeRollback:
		return 0.6
	case models.ChangeTypeScaling:
		return 0.5
	case models.ChangeTypeSecurityPatch:
		return 0.4
	default:
		return 0.5
	}
}

func buildReasons(event models.ChangeEvent, deltaMin float64, hop int, overlap []string, opts Options) []string {
	var reasons []string

	switch {
	case deltaMin < 15:
		reasons = append(reasons, "Very recent (<15m)")
	case deltaMin < 60:
		reasons = append(reasons, "Recent (<60m)")
	}

	switch hop {
	case 0:
		reasons = append(reasons, fmt.Sprintf("Direct service match: %v", overlap))
	case 1:
		reasons = append(reasons, fmt.Sprintf("1-hop service adjacency: %v", overlap))
	case 2:
		reasons = append(reasons, fmt.Sprintf("2-hop service adjacency: %v", overlap))
	}

	if isHighImpactChangeType(event.ChangeType) {
		reasons = append(reasons, fmt.Sprintf("High-impact change type: %s", event.ChangeType))
	}

	if event.BlastRadius != nil && (event.BlastRadius.RiskLevel == models.RiskLevelHigh || event.BlastRadius.RiskLevel == models.RiskLevelCritical) {
		reasons = append(reasons, fmt.Sprintf("Risk level: %s", event.BlastRadius.RiskLevel))
	}

	if opts.IncidentEnvironment != nil {
		if event.Environment == *opts.IncidentEnvironment {
			reasons = append(reasons, "Environment match")
		} else {
			reasons = append(reasons, "Environment mismatch")
		}
	}

	return reasons
}

func isHighImpactChangeType(ct models.ChangeType) bool {
	switch ct {
	case models.ChangeTypeDeployment, models.ChangeTypeConfigChange, models.ChangeTypeDBMigration:
		return true
	default:
		return false
	}
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
