// Package outbox provides a durable, bbolt-backed journal of committed
// change events awaiting observer delivery, using the same journal-
// before-attempt/remove-on-success retry-queue idiom as a DLQ, backed by
// go.etcd.io/bbolt rather than Postgres since the event store itself is a
// single local file and the notification journal should share that
// constraint.
//
// A post-commit observer hook needs to survive process restarts: an event
// is journaled before
// observers are invoked and removed only once every observer has returned
// without error, so a host that crashes mid-delivery can replay on restart.
package outbox

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/runbook-agent/change-intelligence/internal/logging"
	"github.com/runbook-agent/change-intelligence/internal/models"
)

var bucketName = []byte("pending_notifications")

// Observer is notified once a change event has committed (and, if a graph
// is present, its blast radius has been attached).
type Observer func(event *models.ChangeEvent) error

// Outbox journals committed events and replays them to registered
// observers.
type Outbox struct {
	db        *bolt.DB
	logger    *logging.Logger
	observers []Observer
}

// Open opens (creating if needed) the bbolt-backed outbox at path.
func Open(path string, logger *logging.Logger) (*Outbox, error) {
	if logger == nil {
		if derived := logging.With(); derived != nil {
			logger = derived
		} else if fallback, ferr := logging.New(logging.DebugConfig()); ferr == nil {
			logger = fallback
		}
	}
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init outbox bucket: %w", err)
	}
	return &Outbox{db: db, logger: logger}, nil
}

// Close closes the underlying bbolt file.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Register adds an observer invoked by Notify and Replay. Not safe to call
// concurrently with Notify/Replay.
func (o *Outbox) Register(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Notify journals event, invokes every registered observer, and removes
// the journal entry once all observers have returned without error. A
// failing observer leaves the entry in place for a later Replay.
func (o *Outbox) Notify(event *models.ChangeEvent) error {
	if err := o.journal(event); err != nil {
		return err
	}
	if err := o.deliver(event); err != nil {
		o.logger.Warn("observer delivery failed, leaving event in outbox", "event_id", event.ID, "error", err)
		return err
	}
	return o.remove(event.ID)
}

func (o *Outbox) journal(event *models.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(event.ID), data)
	})
}

func (o *Outbox) remove(id string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(id))
	})
}

func (o *Outbox) deliver(event *models.ChangeEvent) error {
	for _, obs := range o.observers {
		if err := obs(event); err != nil {
			return err
		}
	}
	return nil
}

// Replay delivers every journaled event still pending (left over from a
// crash between commit and delivery on a prior run), removing each as it
// succeeds. Call once at startup before serving new ingest traffic.
func (o *Outbox) Replay() (int, error) {
	var pending []*models.ChangeEvent
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, v []byte) error {
			var event models.ChangeEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("decode outbox entry: %w", err)
			}
			pending = append(pending, &event)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scan outbox: %w", err)
	}

	delivered := 0
	for _, event := range pending {
		if err := o.deliver(event); err != nil {
			o.logger.Warn("replay delivery failed, will retry later", "event_id", event.ID, "error", err)
			continue
		}
		if err := o.remove(event.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// Pending returns the count of journaled events awaiting delivery.
func (o *Outbox) Pending() (int, error) {
	count := 0
	err := o.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return count, err
}
