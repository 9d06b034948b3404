package outbox

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbook-agent/change-intelligence/internal/models"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	o, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestNotifyDeliversToAllObserversAndRemovesJournalEntry(t *testing.T) {
	o := newTestOutbox(t)

	var delivered []string
	o.Register(func(e *models.ChangeEvent) error {
		delivered = append(delivered, "first:"+e.ID)
		return nil
	})
	o.Register(func(e *models.ChangeEvent) error {
		delivered = append(delivered, "second:"+e.ID)
		return nil
	})

	require.NoError(t, o.Notify(&models.ChangeEvent{ID: "evt-1"}))
	assert.Equal(t, []string{"first:evt-1", "second:evt-1"}, delivered)

	pending, err := o.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "a fully delivered event leaves no journal entry behind")
}

func TestNotifyLeavesEntryJournaledWhenAnObserverFails(t *testing.T) {
	o := newTestOutbox(t)
	boom := errors.New("delivery failed")
	o.Register(func(e *models.ChangeEvent) error { return boom })

	err := o.Notify(&models.ChangeEvent{ID: "evt-1"})
	require.ErrorIs(t, err, boom)

	pending, err := o.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "a failed delivery must remain journaled for replay")
}

func TestReplayDeliversJournaledEventsAndClearsThem(t *testing.T) {
	o := newTestOutbox(t)
	boom := errors.New("delivery failed")
	failing := true
	o.Register(func(e *models.ChangeEvent) error {
		if failing {
			return boom
		}
		return nil
	})

	require.ErrorIs(t, o.Notify(&models.ChangeEvent{ID: "evt-1"}), boom)
	require.ErrorIs(t, o.Notify(&models.ChangeEvent{ID: "evt-2"}), boom)

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	failing = false
	delivered, err := o.Replay()
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	pending, err = o.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestReplayLeavesStillFailingEventsJournaled(t *testing.T) {
	o := newTestOutbox(t)
	o.Register(func(e *models.ChangeEvent) error { return errors.New("still down") })

	_ = o.Notify(&models.ChangeEvent{ID: "evt-1"})

	delivered, err := o.Replay()
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	pending, err := o.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestPendingOnFreshOutboxIsZero(t *testing.T) {
	o := newTestOutbox(t)
	pending, err := o.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}
