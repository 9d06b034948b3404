package blastradius

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbook-agent/change-intelligence/internal/cerrors"
	"github.com/runbook-agent/change-intelligence/internal/models"
)

// fakeGraph is a Grapher stub returning canned impact paths per target,
// so these tests exercise Predict's classification logic in isolation
// from the real traversal implementation.
type fakeGraph struct {
	paths map[string][]models.ImpactPath
	err   map[string]error
}

func (f *fakeGraph) GetUpstreamImpact(target string, maxDepth int) ([]models.ImpactPath, error) {
	if err, ok := f.err[target]; ok {
		return nil, err
	}
	return f.paths[target], nil
}

func TestPredictIsolatedTargetIsLowRiskNotError(t *testing.T) {
	g := &fakeGraph{err: map[string]error{"ghost": cerrors.NotFoundf("no service %s", "ghost")}}
	a := New(g)

	pred, err := a.Predict([]string{"ghost"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, models.RiskLevelLow, pred.RiskLevel)
	assert.Empty(t, pred.DirectServices)
	assert.Empty(t, pred.DownstreamServices)
	assert.Contains(t, pred.Rationale, "target(s) appear isolated: no known dependents")
}

func TestPredictDirectVsDownstreamClassification(t *testing.T) {
	g := &fakeGraph{
		paths: map[string][]models.ImpactPath{
			"payments": {
				{Source: "payments", Affected: "checkout", Path: []string{"checkout", "payments"}, Hops: 2, Confidence: 1, Criticality: models.CriticalityCritical},
				{Source: "payments", Affected: "web", Path: []string{"web", "checkout", "payments"}, Hops: 3, Confidence: 1, Criticality: models.CriticalityOptional},
			},
		},
	}
	a := New(g)

	pred, err := a.Predict([]string{"payments"}, nil, 3)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"checkout"}, pred.DirectServices)
	assert.ElementsMatch(t, []string{"web"}, pred.DownstreamServices)
	assert.True(t, pred.CriticalPathAffected, "checkout's path is critical")
}

func TestPredictNeverDoubleCountsDirectAsDownstream(t *testing.T) {
	g := &fakeGraph{
		paths: map[string][]models.ImpactPath{
			"a": {{Source: "a", Affected: "dep", Path: []string{"dep", "a"}, Hops: 2, Confidence: 1}},
			"b": {{Source: "b", Affected: "dep", Path: []string{"dep", "mid", "b"}, Hops: 3, Confidence: 1}},
		},
	}
	a := New(g)

	pred, err := a.Predict([]string{"a", "b"}, nil, 3)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"dep"}, pred.DirectServices)
	assert.Empty(t, pred.DownstreamServices, "dep is already classified direct via target a, never also downstream via target b")
}

func TestPredictExcludesTargetsFromTheirOwnBlastRadius(t *testing.T) {
	g := &fakeGraph{
		paths: map[string][]models.ImpactPath{
			"a": {{Source: "a", Affected: "b", Path: []string{"b", "a"}, Hops: 2, Confidence: 1}},
		},
	}
	a := New(g)

	pred, err := a.Predict([]string{"a", "b"}, nil, 3)
	require.NoError(t, err)
	assert.NotContains(t, pred.DirectServices, "b")
	assert.NotContains(t, pred.DownstreamServices, "b")
}

func TestPredictHighConfidenceVsPossible(t *testing.T) {
	g := &fakeGraph{
		paths: map[string][]models.ImpactPath{
			"svc": {
				{Source: "svc", Affected: "strong", Path: []string{"strong", "svc"}, Hops: 2, Confidence: 0.9, EdgeSources: []models.EdgeSource{models.EdgeSourceConfig}},
				{Source: "svc", Affected: "weak", Path: []string{"weak", "svc"}, Hops: 2, Confidence: 0.5, EdgeSources: []models.EdgeSource{models.EdgeSourceInferred}},
			},
		},
	}
	a := New(g)

	pred, err := a.Predict([]string{"svc"}, nil, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"strong"}, pred.HighConfidenceDependents)
	assert.ElementsMatch(t, []string{"weak"}, pred.PossibleDependents)
}

func TestPredictRiskLevelsByDependentCount(t *testing.T) {
	manyDownstream := make([]models.ImpactPath, 0, 11)
	for i := 0; i < 11; i++ {
		svc := string(rune('a' + i))
		manyDownstream = append(manyDownstream, models.ImpactPath{
			Source: "target", Affected: svc, Path: []string{svc, "mid", "target"}, Hops: 3, Confidence: 1,
		})
	}
	g := &fakeGraph{paths: map[string][]models.ImpactPath{"target": manyDownstream}}
	a := New(g)

	pred, err := a.Predict([]string{"target"}, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, models.RiskLevelHigh, pred.RiskLevel)
}

func TestPredictDBMigrationBumpsRiskWithDirectDependents(t *testing.T) {
	g := &fakeGraph{
		paths: map[string][]models.ImpactPath{
			"schema": {{Source: "schema", Affected: "reader", Path: []string{"reader", "schema"}, Hops: 2, Confidence: 1}},
		},
	}
	a := New(g)
	changeType := models.ChangeTypeDBMigration

	pred, err := a.Predict([]string{"schema"}, &changeType, 3)
	require.NoError(t, err)
	assert.Equal(t, models.RiskLevelMedium, pred.RiskLevel)
}

func TestPredictNoDependentsIsLowRisk(t *testing.T) {
	g := &fakeGraph{paths: map[string][]models.ImpactPath{}}
	a := New(g)

	pred, err := a.Predict([]string{"lonely"}, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, models.RiskLevelLow, pred.RiskLevel)
	assert.Equal(t, "no dependents found", pred.ConfidenceSummary)
}

func TestPredictPropagatesNonNotFoundErrors(t *testing.T) {
	boom := cerrors.Unavailablef(assert.AnError, "graph store down")
	g := &fakeGraph{err: map[string]error{"svc": boom}}
	a := New(g)

	_, err := a.Predict([]string{"svc"}, nil, 3)
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.Unavailable))
}
