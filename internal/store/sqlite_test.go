package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbook-agent/change-intelligence/internal/models"
)

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	s, err := New(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEvent(service, summary string) *models.ChangeEvent {
	now := time.Now().UTC()
	return &models.ChangeEvent{
		ID:          "evt-" + service + "-" + summary,
		Timestamp:   now,
		Service:     service,
		ChangeType:  models.ChangeTypeDeployment,
		Source:      models.SourceManual,
		Initiator:   models.InitiatorHuman,
		Status:      models.StatusCompleted,
		Environment: "production",
		Summary:     summary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleEvent("checkout", "deploy checkout v2")
	inserted, err := s.Insert(ctx, e)
	require.NoError(t, err)

	fetched, err := s.Get(ctx, inserted.ID)
	require.NoError(t, err)
	assert.Equal(t, inserted.Service, fetched.Service)
	assert.Equal(t, inserted.Summary, fetched.Summary)
	assert.Equal(t, inserted.ChangeType, fetched.ChangeType)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestIdempotentInsertReturnsSameID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := sampleEvent("checkout", "first summary")
	first.ID = "a"
	first.IdempotencyKey = "k-1"
	createdFirst, err := s.Insert(ctx, first)
	require.NoError(t, err)

	second := sampleEvent("checkout", "second different summary")
	second.ID = "b"
	second.IdempotencyKey = "k-1"
	createdSecond, err := s.Insert(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, createdFirst.ID, createdSecond.ID)
	assert.Equal(t, createdFirst.Summary, createdSecond.Summary, "retry payload must not mutate the original event")
}

func TestGetByIdempotencyKeyMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetByIdempotencyKey(context.Background(), "nope")
	require.Error(t, err)
}

func TestQueryMatchesPrimaryOrAdditionalService(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := sampleEvent("api", "primary change")
	primary.ID = "primary"
	_, err := s.Insert(ctx, primary)
	require.NoError(t, err)

	co := sampleEvent("worker", "co-affected change")
	co.ID = "co"
	co.AdditionalServices = []string{"api"}
	_, err = s.Insert(ctx, co)
	require.NoError(t, err)

	unrelated := sampleEvent("billing", "unrelated change")
	unrelated.ID = "unrelated"
	_, err = s.Insert(ctx, unrelated)
	require.NoError(t, err)

	results, err := s.Query(ctx, models.QueryOptions{Services: []string{"api"}})
	require.NoError(t, err)
	ids := eventIDs(results)
	assert.ElementsMatch(t, []string{"primary", "co"}, ids)
}

func TestQueryOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older := sampleEvent("api", "older")
	older.ID = "older"
	older.Timestamp = now.Add(-time.Hour)
	_, err := s.Insert(ctx, older)
	require.NoError(t, err)

	newer := sampleEvent("api", "newer")
	newer.ID = "newer"
	newer.Timestamp = now
	_, err = s.Insert(ctx, newer)
	require.NoError(t, err)

	results, err := s.Query(ctx, models.QueryOptions{Services: []string{"api"}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "newer", results[0].ID)
	assert.Equal(t, "older", results[1].ID)
}

func TestUpdateIsNoOpForEmptyPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleEvent("api", "original")
	e.ID = "e1"
	inserted, err := s.Insert(ctx, e)
	require.NoError(t, err)

	updated, err := s.Update(ctx, inserted.ID, &models.PartialChangeEvent{})
	require.NoError(t, err)
	assert.True(t, inserted.UpdatedAt.Equal(updated.UpdatedAt), "empty patch must not touch updatedAt")
	assert.Equal(t, inserted.Summary, updated.Summary)
}

func TestUpdateAppliesOnlyProvidedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleEvent("api", "original summary")
	e.ID = "e2"
	_, err := s.Insert(ctx, e)
	require.NoError(t, err)

	newSummary := "patched summary"
	updated, err := s.Update(ctx, "e2", &models.PartialChangeEvent{Summary: &newSummary})
	require.NoError(t, err)
	assert.Equal(t, "patched summary", updated.Summary)
	assert.Equal(t, "api", updated.Service, "service field was not part of the patch")
	assert.True(t, updated.UpdatedAt.After(e.CreatedAt) || updated.UpdatedAt.Equal(e.CreatedAt))
}

func TestUpdatePersistsBlastRadiusLosslessly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleEvent("api", "original")
	e.ID = "e3"
	_, err := s.Insert(ctx, e)
	require.NoError(t, err)

	prediction := &models.BlastRadiusPrediction{
		DirectServices: []string{"worker"},
		RiskLevel:      models.RiskLevelHigh,
		Rationale:      []string{"2 direct dependents"},
	}
	_, err = s.Update(ctx, "e3", &models.PartialChangeEvent{BlastRadius: prediction})
	require.NoError(t, err)

	fetched, err := s.Get(ctx, "e3")
	require.NoError(t, err)
	require.NotNil(t, fetched.BlastRadius, "blastRadius must round-trip through storage")
	assert.Equal(t, models.RiskLevelHigh, fetched.BlastRadius.RiskLevel)
	assert.Equal(t, []string{"worker"}, fetched.BlastRadius.DirectServices)
	assert.Equal(t, []string{"2 direct dependents"}, fetched.BlastRadius.Rationale)
}

func TestDeleteRemovesEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleEvent("api", "to be deleted")
	e.ID = "del"
	_, err := s.Insert(ctx, e)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "del"))
	_, err = s.Get(ctx, "del")
	require.Error(t, err)
}

func TestSearchOverEmptyIndexReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	results, err := s.Search(context.Background(), "deploy", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchMatchesSummaryPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleEvent("api", "deployment of payment gateway")
	e.ID = "search-1"
	_, err := s.Insert(ctx, e)
	require.NoError(t, err)

	other := sampleEvent("api", "unrelated rollback")
	other.ID = "search-2"
	_, err = s.Insert(ctx, other)
	require.NoError(t, err)

	results, err := s.Search(ctx, "deploy", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "search-1", results[0].ID)
}

func TestSearchDiscardsShortTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := sampleEvent("api", "deploy now")
	e.ID = "short"
	_, err := s.Insert(ctx, e)
	require.NoError(t, err)

	results, err := s.Search(ctx, "a", 10)
	require.NoError(t, err)
	assert.Empty(t, results, "single-character tokens must be discarded")
}

func TestVelocityCountsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertAt := func(id string, ct models.ChangeType, offset time.Duration) {
		e := sampleEvent("api", id)
		e.ID = id
		e.ChangeType = ct
		e.Timestamp = now.Add(offset)
		_, err := s.Insert(ctx, e)
		require.NoError(t, err)
	}
	insertAt("v1", models.ChangeTypeDeployment, -10*time.Minute)
	insertAt("v2", models.ChangeTypeDeployment, -5*time.Minute)
	insertAt("v3", models.ChangeTypeConfigChange, -1*time.Minute)

	metric, err := s.GetVelocity(ctx, "api", 60)
	require.NoError(t, err)
	assert.Equal(t, 3, metric.ChangeCount)
	assert.Equal(t, 2, metric.ChangeTypes["deployment"])
	assert.Equal(t, 1, metric.ChangeTypes["config_change"])
	assert.Greater(t, metric.AverageIntervalMinutes, 0.0)
}

func TestVelocityTrendOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := sampleEvent("api", "recent")
	e.ID = "recent"
	e.Timestamp = now.Add(-2 * time.Minute)
	_, err := s.Insert(ctx, e)
	require.NoError(t, err)

	since := now.Add(-60 * time.Minute)
	metrics, err := s.GetVelocityTrend(ctx, "api", since, now, 20)
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	assert.True(t, metrics[0].WindowStart.Before(metrics[2].WindowStart))
	total := 0
	for _, m := range metrics {
		total += m.ChangeCount
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, metrics[2].ChangeCount, "the event should land in the most recent window")
}

func TestPruneOlderThanDeletesExactCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := sampleEvent("api", "old")
	old.ID = "old"
	old.Timestamp = now.AddDate(0, 0, -40)
	_, err := s.Insert(ctx, old)
	require.NoError(t, err)

	recent := sampleEvent("api", "recent")
	recent.ID = "recent"
	recent.Timestamp = now
	_, err = s.Insert(ctx, recent)
	require.NoError(t, err)

	cutoff := now.AddDate(0, 0, -30)
	deleted, err := s.PruneOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	remaining, err := s.Query(ctx, models.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Equal(t, "recent", remaining[0].ID)
}

func TestGetStatsAggregatesAcrossStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleEvent("api", "a")
	a.ID = "a"
	a.ChangeType = models.ChangeTypeDeployment
	a.Source = models.SourceGitHub
	a.Environment = "production"
	_, err := s.Insert(ctx, a)
	require.NoError(t, err)

	b := sampleEvent("worker", "b")
	b.ID = "b"
	b.ChangeType = models.ChangeTypeConfigChange
	b.Source = models.SourceManual
	b.Environment = "staging"
	_, err = s.Insert(ctx, b)
	require.NoError(t, err)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByType["deployment"])
	assert.Equal(t, 1, stats.ByType["config_change"])
	assert.Equal(t, 1, stats.BySource["github"])
	assert.Equal(t, 1, stats.ByEnvironment["staging"])
}

func eventIDs(events []*models.ChangeEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
