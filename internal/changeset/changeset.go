// Package changeset implements ChangeSetGrouper: clustering related change
// events into logical change sets, assessing their operational readiness,
// and ranking them for incident triage.
package changeset

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/runbook-agent/change-intelligence/internal/models"
	"github.com/runbook-agent/change-intelligence/internal/provenance"
)

// Grapher is the subset of ServiceGraph the grouper needs for the
// ownership readiness check.
type Grapher interface {
	GetService(id string) (*models.ServiceNode, error)
}

// Analyzer is the subset of BlastRadiusAnalyzer the grouper needs to
// attach a suggested blast radius to a ranked change set.
type Analyzer interface {
	Predict(targets []string, changeType *models.ChangeType, maxDepth int) (*models.BlastRadiusPrediction, error)
}

// Grouper clusters events into change sets.
type Grouper struct {
	graph         Grapher
	bucketMinutes int
}

// New builds a Grouper. graph may be nil, in which case the ownership
// readiness check always reports "unknown".
func New(graph Grapher) *Grouper {
	return &Grouper{graph: graph, bucketMinutes: 15}
}

var runIDMetadataKeys = []string{
	"pipeline_id", "pipeline_run_id", "workflow_run_id", "run_id",
	"deployment_id", "session_id", "parent_event_id",
}

// deriveKey implements the key derivation priority chain: the first
// matching rule wins, and each rule carries a fixed confidence reflecting
// how strong a signal it is.
func deriveKey(event models.ChangeEvent, bucketMinutes int) (key string, confidence float64) {
	if event.ChangeSetID != "" {
		return fmt.Sprintf("explicit:%s", event.ChangeSetID), 1.0
	}
	for _, mk := range runIDMetadataKeys {
		if v, ok := event.Metadata[mk]; ok && v != "" {
			return fmt.Sprintf("run:%s:%s", event.Source, v), 0.92
		}
	}
	if event.Repository != "" && event.PRNumber != 0 {
		return fmt.Sprintf("pr:%s:%d", event.Repository, event.PRNumber), 0.90
	}
	if event.Repository != "" && event.CommitSHA != "" {
		return fmt.Sprintf("commit:%s:%s", event.Repository, event.CommitSHA), 0.86
	}
	scope := event.Repository
	if scope == "" {
		scope = event.Service
	}
	bucket := event.Timestamp.Unix() / int64(bucketMinutes*60)
	return fmt.Sprintf("bucket:%s:%s:%d", event.Environment, scope, bucket), 0.62
}

// Group clusters events by derived key and assembles each cluster into a
// ChangeSet.
func (g *Grouper) Group(events []models.ChangeEvent) []models.ChangeSet {
	type bucket struct {
		key        string
		confidence float64
		events     []models.ChangeEvent
	}
	buckets := map[string]*bucket{}
	var order []string

	for _, e := range events {
		key, confidence := deriveKey(e, g.bucketMinutes)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{key: key, confidence: confidence}
			buckets[key] = b
			order = append(order, key)
		}
		b.events = append(b.events, e)
	}

	sets := make([]models.ChangeSet, 0, len(order))
	for _, key := range order {
		sets = append(sets, g.assemble(buckets[key].key, buckets[key].confidence, buckets[key].events))
	}
	return sets
}

func (g *Grouper) assemble(key string, confidence float64, events []models.ChangeEvent) models.ChangeSet {
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	services := dedupeStrings(collect(events, func(e models.ChangeEvent) []string {
		return append([]string{e.Service}, e.AdditionalServices...)
	}))
	repositories := dedupeStrings(collect(events, func(e models.ChangeEvent) []string {
		if e.Repository == "" {
			return nil
		}
		return []string{e.Repository}
	}))
	changeTypes := dedupeChangeTypes(events)
	initiators := dedupeInitiators(events)
	authorTypes := dedupeAuthorTypes(events)

	environment := uniformEnvironment(events)

	eventIDs := make([]string, len(events))
	for i, e := range events {
		eventIDs[i] = e.ID
	}

	var evidence []models.EvidenceLink
	seen := map[string]bool{}
	for _, e := range events {
		for _, link := range evidenceFor(e) {
			k := string(link.Type) + "|" + link.URL + "|" + link.Label
			if seen[k] {
				continue
			}
			seen[k] = true
			evidence = append(evidence, link)
			if len(evidence) >= 25 {
				break
			}
		}
	}

	readiness := g.readiness(events, services)

	title := fmt.Sprintf("%s change across %s", strings.Join(changeTypeStrings(changeTypes), "/"), strings.Join(services, ", "))

	return models.ChangeSet{
		ID:           key,
		Key:          key,
		Title:        title,
		EventCount:   len(events),
		EventIDs:     eventIDs,
		Events:       events,
		Services:     services,
		Repositories: repositories,
		Environment:  environment,
		WindowStart:  events[0].Timestamp,
		WindowEnd:    events[len(events)-1].Timestamp,
		ChangeTypes:  changeTypes,
		Initiators:   initiators,
		AuthorTypes:  authorTypes,
		Evidence:     evidence,
		Readiness:    &readiness,
		Confidence:   confidence,
	}
}

var (
	runbookPattern    = regexp.MustCompile(`(?i)runbook|playbook|docs/runbooks?|oncall`)
	monitoringPattern = regexp.MustCompile(`(?i)alert|monitor|grafana|dashboard|prometheus|sli|slo`)
)

func (g *Grouper) readiness(events []models.ChangeEvent, services []string) models.ReadinessDelta {
	var allFiles []string
	for _, e := range events {
		allFiles = append(allFiles, e.FilesChanged...)
	}

	delta := models.ReadinessDelta{}
	delta.RunbookUpdated = readinessFor(allFiles, runbookPattern)
	delta.MonitoringUpdated = readinessFor(allFiles, monitoringPattern)

	delta.OwnershipKnown = models.ReadinessUnknown
	if len(services) > 0 {
		if g.graph == nil {
			delta.OwnershipKnown = models.ReadinessUnknown
		} else {
			allKnown := true
			for _, svc := range services {
				node, err := g.graph.GetService(svc)
				if err != nil || (node.Team == "" && node.Owner == "") {
					allKnown = false
					break
				}
			}
			if allKnown {
				delta.OwnershipKnown = models.ReadinessUpdated
			} else {
				delta.OwnershipKnown = models.ReadinessMissing
			}
		}
	}

	var notes []string
	if delta.RunbookUpdated == models.ReadinessMissing {
		notes = append(notes, "no runbook/playbook update found among changed files")
	}
	if delta.MonitoringUpdated == models.ReadinessMissing {
		notes = append(notes, "no monitoring/alerting update found among changed files")
	}
	if delta.OwnershipKnown == models.ReadinessMissing {
		notes = append(notes, "one or more services lack a known team or owner")
	}
	delta.Notes = notes

	return delta
}

func readinessFor(files []string, pattern *regexp.Regexp) models.ReadinessStatus {
	if len(files) == 0 {
		return models.ReadinessUnknown
	}
	for _, f := range files {
		if pattern.MatchString(f) {
			return models.ReadinessUpdated
		}
	}
	return models.ReadinessMissing
}

// RankForIncident groups correlated events and scores each resulting
// change set for incident triage.
func (g *Grouper) RankForIncident(correlations []models.ChangeCorrelation, analyzer Analyzer, maxResults int) ([]models.RankedChangeSet, error) {
	if maxResults <= 0 {
		maxResults = 3
	}

	events := make([]models.ChangeEvent, len(correlations))
	scoreByEventID := make(map[string]float64, len(correlations))
	corrByEventID := make(map[string]models.ChangeCorrelation, len(correlations))
	for i, c := range correlations {
		events[i] = c.ChangeEvent
		scoreByEventID[c.ChangeEvent.ID] = c.CorrelationScore
		corrByEventID[c.ChangeEvent.ID] = c
	}

	sets := g.Group(events)

	ranked := make([]models.RankedChangeSet, 0, len(sets))
	for _, set := range sets {
		var scores []float64
		var whyRelevant []string
		whySeen := map[string]bool{}
		var factorSums models.ConfidenceFactors
		for _, eventID := range set.EventIDs {
			score := scoreByEventID[eventID]
			scores = append(scores, score)
			if corr, ok := corrByEventID[eventID]; ok {
				for _, reason := range corr.WhyRelevant {
					if !whySeen[reason] {
						whySeen[reason] = true
						whyRelevant = append(whyRelevant, reason)
					}
				}
				factorSums.TimeProximity += corr.Confidence.Factors.TimeProximity
				factorSums.ServiceAdjacency += corr.Confidence.Factors.ServiceAdjacency
				factorSums.ChangeRisk += corr.Confidence.Factors.ChangeRisk
				factorSums.ChangeType += corr.Confidence.Factors.ChangeType
				factorSums.EnvironmentMatch += corr.Confidence.Factors.EnvironmentMatch
			}
		}
		if set.Readiness != nil {
			whyRelevant = append(whyRelevant, set.Readiness.Notes...)
		}
		if len(whyRelevant) > 10 {
			whyRelevant = whyRelevant[:10]
		}

		groupScore := round3(0.65*maxOf(scores) + 0.35*avgOf(scores))
		n := float64(len(set.EventIDs))
		meanFactors := models.ConfidenceFactors{
			TimeProximity:    round3(factorSums.TimeProximity / n),
			ServiceAdjacency: round3(factorSums.ServiceAdjacency / n),
			ChangeRisk:       round3(factorSums.ChangeRisk / n),
			ChangeType:       round3(factorSums.ChangeType / n),
			EnvironmentMatch: round3(factorSums.EnvironmentMatch / n),
		}

		var suggested *models.BlastRadiusPrediction
		if analyzer != nil && len(set.Services) > 0 {
			dominant := dominantChangeType(set.Events)
			prediction, err := analyzer.Predict(set.Services, dominant, 3)
			if err != nil {
				return nil, err
			}
			suggested = prediction
		}

		ranked = append(ranked, models.RankedChangeSet{
			ChangeSet:            set,
			Score:                groupScore,
			WhyRelevant:          whyRelevant,
			Confidence:           models.Confidence{Overall: groupScore, Factors: meanFactors},
			SuggestedBlastRadius: suggested,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}
	return ranked, nil
}

// dominantChangeType returns the most frequently occurring change type
// among events, breaking ties by first occurrence.
func dominantChangeType(events []models.ChangeEvent) *models.ChangeType {
	if len(events) == 0 {
		return nil
	}
	counts := map[models.ChangeType]int{}
	order := []models.ChangeType{}
	for _, e := range events {
		if counts[e.ChangeType] == 0 {
			order = append(order, e.ChangeType)
		}
		counts[e.ChangeType]++
	}
	best := order[0]
	for _, t := range order {
		if counts[t] > counts[best] {
			best = t
		}
	}
	return &best
}

func maxOf(values []float64) float64 {
	max := 0.0
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}

func avgOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

func collect(events []models.ChangeEvent, fn func(models.ChangeEvent) []string) []string {
	var out []string
	for _, e := range events {
		out = append(out, fn(e)...)
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func dedupeChangeTypes(events []models.ChangeEvent) []models.ChangeType {
	seen := map[models.ChangeType]bool{}
	var out []models.ChangeType
	for _, e := range events {
		if !seen[e.ChangeType] {
			seen[e.ChangeType] = true
			out = append(out, e.ChangeType)
		}
	}
	return out
}

func dedupeInitiators(events []models.ChangeEvent) []models.Initiator {
	seen := map[models.Initiator]bool{}
	var out []models.Initiator
	for _, e := range events {
		if !seen[e.Initiator] {
			seen[e.Initiator] = true
			out = append(out, e.Initiator)
		}
	}
	return out
}

func dedupeAuthorTypes(events []models.ChangeEvent) []models.AuthorType {
	seen := map[models.AuthorType]bool{}
	var out []models.AuthorType
	for _, e := range events {
		if e.AuthorType == "" || seen[e.AuthorType] {
			continue
		}
		seen[e.AuthorType] = true
		out = append(out, e.AuthorType)
	}
	return out
}

func uniformEnvironment(events []models.ChangeEvent) string {
	if len(events) == 0 {
		return ""
	}
	env := events[0].Environment
	for _, e := range events[1:] {
		if e.Environment != env {
			return "mixed"
		}
	}
	return env
}

func changeTypeStrings(types []models.ChangeType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func evidenceFor(event models.ChangeEvent) []models.EvidenceLink {
	return provenance.ExtractEventEvidence(event)
}
