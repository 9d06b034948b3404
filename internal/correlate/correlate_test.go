package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbook-agent/change-intelligence/internal/models"
)

type fakeGrapher struct {
	dependencies map[string][]models.DependencyEdge
	dependents   map[string][]models.DependencyEdge
}

func (f *fakeGrapher) GetDependencies(id string) []models.DependencyEdge { return f.dependencies[id] }
func (f *fakeGrapher) GetDependents(id string) []models.DependencyEdge   { return f.dependents[id] }

type fakeEventSource struct {
	events []*models.ChangeEvent
}

func (f *fakeEventSource) GetRecentForServices(ctx context.Context, services []string, since, until time.Time) ([]*models.ChangeEvent, error) {
	svcSet := map[string]bool{}
	for _, s := range services {
		svcSet[s] = true
	}
	var out []*models.ChangeEvent
	for _, e := range f.events {
		if !svcSet[e.Service] {
			continue
		}
		if e.Timestamp.Before(since) || e.Timestamp.After(until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEventSource) Query(ctx context.Context, opts models.QueryOptions) ([]*models.ChangeEvent, error) {
	return f.events, nil
}

func TestExpandServicesDirectNeverDemoted(t *testing.T) {
	g := &fakeGrapher{
		dependencies: map[string][]models.DependencyEdge{
			"checkout": {{Source: "checkout", Target: "payments"}},
		},
		dependents: map[string][]models.DependencyEdge{
			"payments": {{Source: "checkout", Target: "payments"}},
		},
	}
	expanded := ExpandServices(g, []string{"checkout", "payments"})
	assert.Equal(t, 0, expanded["checkout"])
	assert.Equal(t, 0, expanded["payments"], "payments was passed as a direct target even though also 1-hop from checkout")
}

func TestExpandServicesNilGraphReturnsOnlyDirect(t *testing.T) {
	expanded := ExpandServices(nil, []string{"checkout"})
	assert.Equal(t, map[string]int{"checkout": 0}, expanded)
}

func TestExpandServicesTwoHopBound(t *testing.T) {
	g := &fakeGrapher{
		dependencies: map[string][]models.DependencyEdge{
			"a": {{Source: "a", Target: "b"}},
			"b": {{Source: "b", Target: "c"}},
			"c": {{Source: "c", Target: "d"}},
		},
		dependents: map[string][]models.DependencyEdge{},
	}
	expanded := ExpandServices(g, []string{"a"})
	assert.Equal(t, 0, expanded["a"])
	assert.Equal(t, 1, expanded["b"])
	assert.Equal(t, 2, expanded["c"])
	_, ok := expanded["d"]
	assert.False(t, ok, "d is 3 hops away, outside the 2-hop expansion bound")
}

func TestCorrelateFiltersByMinScoreAndSortsDescending(t *testing.T) {
	now := time.Now()
	events := []*models.ChangeEvent{
		{ID: "near", Service: "checkout", Timestamp: now, ChangeType: models.ChangeTypeDeployment},
		{ID: "far", Service: "checkout", Timestamp: now.Add(-100 * time.Minute), ChangeType: models.ChangeTypeSecurityPatch},
	}
	store := &fakeEventSource{events: events}
	corr := New(nil, store)

	results, err := corr.Correlate(context.Background(), Options{
		AffectedServices: []string{"checkout"},
		IncidentTime:     now,
		WindowMinutes:    120,
		MinScore:         0.01,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].ChangeEvent.ID, "the more recent, higher-impact change should rank first")
	assert.GreaterOrEqual(t, results[0].CorrelationScore, results[1].CorrelationScore)
}

func TestCorrelateRespectsMaxResults(t *testing.T) {
	now := time.Now()
	var events []*models.ChangeEvent
	for i := 0; i < 5; i++ {
		events = append(events, &models.ChangeEvent{
			ID:        string(rune('a' + i)),
			Service:   "checkout",
			Timestamp: now,
		})
	}
	store := &fakeEventSource{events: events}
	corr := New(nil, store)

	results, err := corr.Correlate(context.Background(), Options{
		AffectedServices: []string{"checkout"},
		IncidentTime:     now,
		MaxResults:       2,
		MinScore:         0.0001,
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestCorrelateEnvironmentMatchAffectsScore(t *testing.T) {
	now := time.Now()
	prod := &models.ChangeEvent{ID: "prod", Service: "checkout", Timestamp: now, Environment: "production"}
	staging := &models.ChangeEvent{ID: "staging", Service: "checkout", Timestamp: now, Environment: "staging"}
	store := &fakeEventSource{events: []*models.ChangeEvent{prod, staging}}
	corr := New(nil, store)

	env := "production"
	results, err := corr.Correlate(context.Background(), Options{
		AffectedServices:    []string{"checkout"},
		IncidentTime:        now,
		IncidentEnvironment: &env,
		MinScore:            0.0001,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "prod", results[0].ChangeEvent.ID, "matching environment should outrank an otherwise identical mismatched one")
}

func TestCorrelateFallsBackToPlainQueryWhenNoServicesExpand(t *testing.T) {
	now := time.Now()
	store := &fakeEventSource{events: []*models.ChangeEvent{
		{ID: "evt", Service: "unrelated", Timestamp: now},
	}}
	corr := New(nil, store)

	results, err := corr.Correlate(context.Background(), Options{
		IncidentTime: now,
		MinScore:     0.0001,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "evt", results[0].ChangeEvent.ID)
}
