// Package blastradius implements upstream-impact prediction: given target
// services, which services consume them, how confident the graph is in
// that chain, and the overall risk posture of changing the targets.
package blastradius

import (
	"fmt"
	"sort"
	"strings"

	"github.com/runbook-agent/change-intelligence/internal/cerrors"
	"github.com/runbook-agent/change-intelligence/internal/models"
)

// Grapher is the subset of ServiceGraph the analyzer needs, kept narrow so
// tests can supply a fake.
type Grapher interface {
	GetUpstreamImpact(target string, maxDepth int) ([]models.ImpactPath, error)
}

// Analyzer predicts blast radius over a Grapher.
type Analyzer struct {
	graph Grapher
}

// New builds an Analyzer bound to graph.
func New(graph Grapher) *Analyzer {
	return &Analyzer{graph: graph}
}

const defaultMaxDepth = 3

// Predict runs the blast-radius algorithm for the given target services.
// changeType is optional and only affects the db_migration risk rule and
// the rationale text.
func (a *Analyzer) Predict(targets []string, changeType *models.ChangeType, maxDepth int) (*models.BlastRadiusPrediction, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	targetSet := make(map[string]bool, len(targets))
	for _, t := range targets {
		targetSet[t] = true
	}

	type classified struct {
		path       models.ImpactPath
		direct     bool
		highConf   bool
	}

	byService := map[string]*classified{} // best (lowest hop) classification per affected service
	var allPaths []models.ImpactPath

	for _, target := range targets {
		paths, err := a.graph.GetUpstreamImpact(target, maxDepth)
		if err != nil {
			// A target the graph has never seen (no node, no edges) is
			// simply isolated, not an error: fall through with zero paths
			// so the rationale can still say so.
			if cerrors.Is(err, cerrors.NotFound) {
				continue
			}
			return nil, err
		}
		for _, p := range paths {
			if targetSet[p.Affected] {
				continue // never classify a target itself as its own dependent
			}
			allPaths = append(allPaths, p)

			direct := p.Hops <= 2
			hasWeakInferred := false
			for _, src := range p.EdgeSources {
				if src == models.EdgeSourceInferred && p.Confidence < 0.9 {
					hasWeakInferred = true
				}
			}
			highConf := p.Confidence >= 0.75 && !hasWeakInferred

			existing, ok := byService[p.Affected]
			if !ok || p.Hops < existing.path.Hops {
				byService[p.Affected] = &classified{path: p, direct: direct, highConf: highConf}
			} else if ok && p.Hops == existing.path.Hops {
				// same hop distance from a different target: prefer the
				// stronger classification (direct and/or high-confidence).
				if direct && !existing.direct {
					existing.direct = true
				}
				if highConf && !existing.highConf {
					existing.highConf = true
				}
			}
		}
	}

	var direct, downstream, highConfidence, possible []string
	criticalPathAffected := false

	for service, c := range byService {
		if c.path.Criticality == models.CriticalityCritical {
			criticalPathAffected = true
		}
		if c.direct {
			direct = append(direct, service)
		} else {
			downstream = append(downstream, service)
		}
		if c.highConf {
			highConfidence = append(highConfidence, service)
		} else {
			possible = append(possible, service)
		}
	}

	// Rule 5: a service already classified direct is never also counted
	// downstream (no double counting); targets never appear in any bucket
	// (enforced above by skipping them during classification).
	downstream = subtract(downstream, direct)

	sort.Strings(direct)
	sort.Strings(downstream)
	sort.Strings(highConfidence)
	sort.Strings(possible)

	evidence := buildEvidence(allPaths)

	riskLevel := classifyRisk(criticalPathAffected, len(direct), len(downstream), changeType)

	rationale := buildRationale(targets, direct, downstream, highConfidence, criticalPathAffected, changeType, riskLevel)

	return &models.BlastRadiusPrediction{
		DirectServices:           direct,
		DownstreamServices:       downstream,
		HighConfidenceDependents: highConfidence,
		PossibleDependents:       possible,
		CriticalPathAffected:     criticalPathAffected,
		RiskLevel:                riskLevel,
		ImpactPaths:              allPaths,
		ConfidenceSummary:        confidenceSummary(len(highConfidence), len(possible)),
		Evidence:                evidence,
		Rationale:                rationale,
	}, nil
}

func subtract(a, b []string) []string {
	exclude := make(map[string]bool, len(b))
	for _, v := range b {
		exclude[v] = true
	}
	var out []string
	for _, v := range a {
		if !exclude[v] {
			out = append(out, v)
		}
	}
	return out
}

func classifyRisk(criticalPathAffected bool, directCount, downstreamCount int, changeType *models.ChangeType) models.RiskLevel {
	if criticalPathAffected {
		return models.RiskLevelCritical
	}
	if downstreamCount > 10 || directCount > 3 {
		return models.RiskLevelHigh
	}
	if downstreamCount > 3 || directCount > 1 {
		return models.RiskLevelMedium
	}
	if changeType != nil && *changeType == models.ChangeTypeDBMigration && directCount > 0 {
		return models.RiskLevelMedium
	}
	return models.RiskLevelLow
}

func buildEvidence(paths []models.ImpactPath) []models.EvidenceLink {
	var out []models.EvidenceLink
	seen := map[string]bool{}
	for _, p := range paths {
		label := fmt.Sprintf("Impact path %s", strings.Join(p.Path, " -> "))
		url := fmt.Sprintf("graph-path://%s/%s", p.Source, p.Affected)
		key := string(models.EvidenceTypeGraphPath) + "|" + url + "|" + label
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, models.EvidenceLink{
			Type:  models.EvidenceTypeGraphPath,
			URL:   url,
			Label: label,
			Details: map[string]interface{}{
				"from":        p.Source,
				"to":          p.Affected,
				"hops":        len(p.Path) - 1,
				"criticality": p.Criticality,
				"confidence":  p.Confidence,
				"edgeSources": p.EdgeSources,
			},
		})
		if len(out) >= 40 {
			break
		}
	}
	return out
}

func confidenceSummary(highConfidenceCount, possibleCount int) string {
	if highConfidenceCount == 0 && possibleCount == 0 {
		return "no dependents found"
	}
	return fmt.Sprintf("%d high-confidence, %d possible", highConfidenceCount, possibleCount)
}

func buildRationale(targets, direct, downstream, highConfidence []string, criticalPathAffected bool, changeType *models.ChangeType, risk models.RiskLevel) []string {
	var rationale []string
	rationale = append(rationale, fmt.Sprintf("targets: %s", strings.Join(targets, ", ")))
	rationale = append(rationale, fmt.Sprintf("%d direct dependent(s)", len(direct)))
	rationale = append(rationale, fmt.Sprintf("%d downstream dependent(s)", len(downstream)))
	rationale = append(rationale, fmt.Sprintf("%d high-confidence dependent(s)", len(highConfidence)))
	if criticalPathAffected {
		rationale = append(rationale, "a critical-criticality path is affected")
	}
	if changeType != nil {
		rationale = append(rationale, fmt.Sprintf("change type: %s", *changeType))
	}
	if len(direct) == 0 && len(downstream) == 0 {
		rationale = append(rationale, "target(s) appear isolated: no known dependents")
	}
	rationale = append(rationale, fmt.Sprintf("risk level: %s", risk))
	return rationale
}
