package changeset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbook-agent/change-intelligence/internal/models"
)

type fakeGraph struct {
	nodes map[string]*models.ServiceNode
}

func (f *fakeGraph) GetService(id string) (*models.ServiceNode, error) {
	if n, ok := f.nodes[id]; ok {
		return n, nil
	}
	return nil, assert.AnError
}

type fakeAnalyzer struct {
	prediction *models.BlastRadiusPrediction
}

func (f *fakeAnalyzer) Predict(targets []string, changeType *models.ChangeType, maxDepth int) (*models.BlastRadiusPrediction, error) {
	return f.prediction, nil
}

func TestDeriveKeyPriorityChain(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	explicit := models.ChangeEvent{ChangeSetID: "cs-1", Timestamp: base}
	key, conf := deriveKey(explicit, 15)
	assert.Equal(t, "explicit:cs-1", key)
	assert.Equal(t, 1.0, conf)

	runID := models.ChangeEvent{Metadata: map[string]string{"pipeline_run_id": "run-42"}, Source: models.SourceGitHub, Timestamp: base}
	key, conf = deriveKey(runID, 15)
	assert.Equal(t, "run:github:run-42", key)
	assert.Equal(t, 0.92, conf)

	byPR := models.ChangeEvent{Repository: "acme/widget", PRNumber: 7, Timestamp: base}
	key, conf = deriveKey(byPR, 15)
	assert.Equal(t, "pr:acme/widget:7", key)
	assert.Equal(t, 0.90, conf)

	byCommit := models.ChangeEvent{Repository: "acme/widget", CommitSHA: "abc123", Timestamp: base}
	key, conf = deriveKey(byCommit, 15)
	assert.Equal(t, "commit:acme/widget:abc123", key)
	assert.Equal(t, 0.86, conf)

	byBucket := models.ChangeEvent{Environment: "production", Service: "checkout", Timestamp: base}
	key, conf = deriveKey(byBucket, 15)
	assert.Contains(t, key, "bucket:production:checkout:")
	assert.Equal(t, 0.62, conf)
}

func TestGroupClustersByDerivedKey(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	events := []models.ChangeEvent{
		{ID: "1", ChangeSetID: "cs-1", Service: "checkout", Timestamp: base, ChangeType: models.ChangeTypeDeployment},
		{ID: "2", ChangeSetID: "cs-1", Service: "payments", Timestamp: base.Add(time.Minute), ChangeType: models.ChangeTypeDeployment},
		{ID: "3", Repository: "acme/other", CommitSHA: "xyz", Timestamp: base, ChangeType: models.ChangeTypeCodeChange},
	}

	g := New(nil)
	sets := g.Group(events)
	require.Len(t, sets, 2)

	var csOne *models.ChangeSet
	for i := range sets {
		if sets[i].Key == "explicit:cs-1" {
			csOne = &sets[i]
		}
	}
	require.NotNil(t, csOne)
	assert.Equal(t, 2, csOne.EventCount)
	assert.ElementsMatch(t, []string{"checkout", "payments"}, csOne.Services)
	assert.Equal(t, base, csOne.WindowStart)
	assert.Equal(t, base.Add(time.Minute), csOne.WindowEnd)
}

func TestReadinessDetectsRunbookAndMonitoringUpdates(t *testing.T) {
	events := []models.ChangeEvent{
		{ID: "1", Service: "checkout", FilesChanged: []string{"docs/runbooks/checkout.md", "src/main.go"}},
	}
	g := New(nil)
	sets := g.Group(events)
	require.Len(t, sets, 1)
	assert.Equal(t, models.ReadinessUpdated, sets[0].Readiness.RunbookUpdated)
	assert.Equal(t, models.ReadinessMissing, sets[0].Readiness.MonitoringUpdated)
}

func TestReadinessOwnershipKnownRequiresGraph(t *testing.T) {
	events := []models.ChangeEvent{{ID: "1", Service: "checkout"}}

	noGraph := New(nil)
	sets := noGraph.Group(events)
	assert.Equal(t, models.ReadinessUnknown, sets[0].Readiness.OwnershipKnown)

	withOwner := New(&fakeGraph{nodes: map[string]*models.ServiceNode{
		"checkout": {ID: "checkout", Team: "commerce"},
	}})
	sets = withOwner.Group(events)
	assert.Equal(t, models.ReadinessUpdated, sets[0].Readiness.OwnershipKnown)

	withoutOwner := New(&fakeGraph{nodes: map[string]*models.ServiceNode{
		"checkout": {ID: "checkout"},
	}})
	sets = withoutOwner.Group(events)
	assert.Equal(t, models.ReadinessMissing, sets[0].Readiness.OwnershipKnown)
}

func TestRankForIncidentSortsByScoreAndAttachesSuggestedBlastRadius(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	strong := models.ChangeEvent{ID: "1", ChangeSetID: "strong", Service: "checkout", Timestamp: base, ChangeType: models.ChangeTypeDeployment}
	weak := models.ChangeEvent{ID: "2", ChangeSetID: "weak", Service: "inventory", Timestamp: base, ChangeType: models.ChangeTypeDeployment}

	correlations := []models.ChangeCorrelation{
		{ChangeEvent: strong, CorrelationScore: 0.9, WhyRelevant: []string{"Direct service match"}},
		{ChangeEvent: weak, CorrelationScore: 0.2, WhyRelevant: []string{"Recent (<60m)"}},
	}

	prediction := &models.BlastRadiusPrediction{RiskLevel: models.RiskLevelHigh}
	g := New(nil)
	ranked, err := g.RankForIncident(correlations, &fakeAnalyzer{prediction: prediction}, 5)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "explicit:strong", ranked[0].ChangeSet.Key)
	assert.GreaterOrEqual(t, ranked[0].Score, ranked[1].Score)
	require.NotNil(t, ranked[0].SuggestedBlastRadius)
	assert.Equal(t, models.RiskLevelHigh, ranked[0].SuggestedBlastRadius.RiskLevel)
}

func TestDominantChangeTypeIsModalNotFirst(t *testing.T) {
	events := []models.ChangeEvent{
		{ID: "1", ChangeType: models.ChangeTypeCodeChange},
		{ID: "2", ChangeType: models.ChangeTypeDeployment},
		{ID: "3", ChangeType: models.ChangeTypeDeployment},
	}
	dominant := dominantChangeType(events)
	require.NotNil(t, dominant)
	assert.Equal(t, models.ChangeTypeDeployment, *dominant, "deployment occurs twice, code_change occurs first but only once")
}

func TestDominantChangeTypeEmptyIsNil(t *testing.T) {
	assert.Nil(t, dominantChangeType(nil))
}

func TestRankForIncidentRespectsMaxResults(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var correlations []models.ChangeCorrelation
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		correlations = append(correlations, models.ChangeCorrelation{
			ChangeEvent:      models.ChangeEvent{ID: id, ChangeSetID: id, Service: "svc", Timestamp: base},
			CorrelationScore: float64(i) / 10,
		})
	}
	g := New(nil)
	ranked, err := g.RankForIncident(correlations, nil, 2)
	require.NoError(t, err)
	assert.Len(t, ranked, 2)
}
