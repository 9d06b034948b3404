// Package store implements the durable event store: a single local SQLite
// file with full-text search, idempotent inserts, and velocity
// aggregations, built on a sqlx + mattn/go-sqlite3 storage pattern around
// a single change-event table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"github.com/runbook-agent/change-intelligence/internal/cerrors"
	"github.com/runbook-agent/change-intelligence/internal/logging"
	"github.com/runbook-agent/change-intelligence/internal/models"
)

// EventStore is the durable, full-text-searchable log of change events.
type EventStore struct {
	db     *sqlx.DB
	logger *logging.Logger
	sf     singleflight.Group
}

// New opens (creating if needed) the SQLite-backed event store at path.
func New(path string, logger *logging.Logger) (*EventStore, error) {
	if logger == nil {
		logger = logging.With()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; SQLite serializes anyway

	s := &EventStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *EventStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS change_events (
		id                    TEXT PRIMARY KEY,
		timestamp             DATETIME NOT NULL,
		service               TEXT NOT NULL,
		additional_services   TEXT NOT NULL DEFAULT '[]',
		change_type           TEXT NOT NULL,
		source                TEXT NOT NULL,
		initiator             TEXT NOT NULL,
		initiator_identity    TEXT,
		author_type           TEXT,
		status                TEXT NOT NULL,
		environment           TEXT NOT NULL,
		summary               TEXT NOT NULL,
		commit_sha            TEXT,
		pr_number             INTEGER,
		pr_url                TEXT,
		repository            TEXT,
		branch                TEXT,
		diff                  TEXT,
		files_changed         TEXT NOT NULL DEFAULT '[]',
		config_keys           TEXT NOT NULL DEFAULT '[]',
		previous_version      TEXT,
		new_version           TEXT,
		blast_radius          TEXT,
		idempotency_key       TEXT UNIQUE,
		change_set_id         TEXT,
		canonical_url         TEXT,
		tags                  TEXT NOT NULL DEFAULT '[]',
		metadata              TEXT NOT NULL DEFAULT '{}',
		created_at            DATETIME NOT NULL,
		updated_at            DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_service ON change_events(service);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON change_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_change_set ON change_events(change_set_id);
	CREATE INDEX IF NOT EXISTS idx_events_environment ON change_events(environment);
	CREATE INDEX IF NOT EXISTS idx_events_repository ON change_events(repository);

	CREATE VIRTUAL TABLE IF NOT EXISTS change_events_fts USING fts5(
		id UNINDEXED,
		summary,
		service,
		content='change_events',
		content_rowid='rowid'
	);

	CREATE TRIGGER IF NOT EXISTS change_events_ai AFTER INSERT ON change_events BEGIN
		INSERT INTO change_events_fts(rowid, id, summary, service)
		VALUES (new.rowid, new.id, new.summary, new.service);
	END;

	CREATE TRIGGER IF NOT EXISTS change_events_ad AFTER DELETE ON change_events BEGIN
		INSERT INTO change_events_fts(change_events_fts, rowid, id, summary, service)
		VALUES ('delete', old.rowid, old.id, old.summary, old.service);
	END;

	CREATE TRIGGER IF NOT EXISTS change_events_au AFTER UPDATE ON change_events BEGIN
		INSERT INTO change_events_fts(change_events_fts, rowid, id, summary, service)
		VALUES ('delete', old.rowid, old.id, old.summary, old.service);
		INSERT INTO change_events_fts(rowid, id, summary, service)
		VALUES (new.rowid, new.id, new.summary, new.service);
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// row is the sqlx-scannable shape of a change_events row; JSON-encoded
// collection columns are decoded into the richer ChangeEvent shape by
// fromRow.
type row struct {
	ID                 string    `db:"id"`
	Timestamp          time.Time `db:"timestamp"`
	Service            string    `db:"service"`
	AdditionalServices string    `db:"additional_services"`
	ChangeType         string    `db:"change_type"`
	Source             string    `db:"source"`
	Initiator          string    `db:"initiator"`
	InitiatorIdentity  string    `db:"initiator_identity"`
	AuthorType         string    `db:"author_type"`
	Status             string    `db:"status"`
	Environment        string    `db:"environment"`
	Summary            string    `db:"summary"`
	CommitSHA          string    `db:"commit_sha"`
	PRNumber           int       `db:"pr_number"`
	PRUrl              string    `db:"pr_url"`
	Repository         string    `db:"repository"`
	Branch             string    `db:"branch"`
	Diff               string    `db:"diff"`
	FilesChanged       string    `db:"files_changed"`
	ConfigKeys         string    `db:"config_keys"`
	PreviousVersion    string    `db:"previous_version"`
	NewVersion         string    `db:"new_version"`
	BlastRadius        string    `db:"blast_radius"`
	IdempotencyKey     sql.NullString `db:"idempotency_key"`
	ChangeSetID        string    `db:"change_set_id"`
	CanonicalURL       string    `db:"canonical_url"`
	Tags               string    `db:"tags"`
	Metadata           string    `db:"metadata"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func toRow(e *models.ChangeEvent) (*row, error) {
	additional, err := json.Marshal(nonNilStrings(e.AdditionalServices))
	if err != nil {
		return nil, err
	}
	files, err := json.Marshal(nonNilStrings(e.FilesChanged))
	if err != nil {
		return nil, err
	}
	configKeys, err := json.Marshal(nonNilStrings(e.ConfigKeys))
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(nonNilStrings(e.Tags))
	if err != nil {
		return nil, err
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	var blastRadiusJSON []byte
	if e.BlastRadius != nil {
		blastRadiusJSON, err = json.Marshal(e.BlastRadius)
		if err != nil {
			return nil, err
		}
	}

	return &row{
		ID:                 e.ID,
		Timestamp:          e.Timestamp,
		Service:            e.Service,
		AdditionalServices: string(additional),
		ChangeType:         string(e.ChangeType),
		Source:             string(e.Source),
		Initiator:          string(e.Initiator),
		InitiatorIdentity:  e.InitiatorIdentity,
		AuthorType:         string(e.AuthorType),
		Status:             string(e.Status),
		Environment:        e.Environment,
		Summary:            e.Summary,
		CommitSHA:          e.CommitSHA,
		PRNumber:           e.PRNumber,
		PRUrl:              e.PRUrl,
		Repository:         e.Repository,
		Branch:             e.Branch,
		Diff:               e.Diff,
		FilesChanged:       string(files),
		ConfigKeys:         string(configKeys),
		PreviousVersion:    e.PreviousVersion,
		NewVersion:         e.NewVersion,
		BlastRadius:        string(blastRadiusJSON),
		IdempotencyKey:     sql.NullString{String: e.IdempotencyKey, Valid: e.IdempotencyKey != ""},
		ChangeSetID:        e.ChangeSetID,
		CanonicalURL:       e.CanonicalURL,
		Tags:               string(tags),
		Metadata:           string(metadataJSON),
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *row) toEvent() (*models.ChangeEvent, error) {
	var additional, files, configKeys, tags []string
	var metadata map[string]string

	if err := json.Unmarshal([]byte(r.AdditionalServices), &additional); err != nil {
		return nil, fmt.Errorf("decode additionalServices: %w", err)
	}
	if err := json.Unmarshal([]byte(r.FilesChanged), &files); err != nil {
		return nil, fmt.Errorf("decode filesChanged: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ConfigKeys), &configKeys); err != nil {
		return nil, fmt.Errorf("decode configKeys: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	var blastRadius *models.BlastRadiusPrediction
	if r.BlastRadius != "" {
		blastRadius = &models.BlastRadiusPrediction{}
		if err := json.Unmarshal([]byte(r.BlastRadius), blastRadius); err != nil {
			return nil, fmt.Errorf("decode blastRadius: %w", err)
		}
	}

	return &models.ChangeEvent{
		ID:                 r.ID,
		Timestamp:          r.Timestamp,
		Service:            r.Service,
		AdditionalServices: additional,
		ChangeType:         models.ChangeType(r.ChangeType),
		Source:             models.Source(r.Source),
		Initiator:          models.Initiator(r.Initiator),
		InitiatorIdentity:  r.InitiatorIdentity,
		AuthorType:         models.AuthorType(r.AuthorType),
		Status:             models.Status(r.Status),
		Environment:        r.Environment,
		Summary:            r.Summary,
		CommitSHA:          r.CommitSHA,
		PRNumber:           r.PRNumber,
		PRUrl:              r.PRUrl,
		Repository:         r.Repository,
		Branch:             r.Branch,
		Diff:               r.Diff,
		FilesChanged:       files,
		ConfigKeys:         configKeys,
		PreviousVersion:    r.PreviousVersion,
		NewVersion:         r.NewVersion,
		BlastRadius:        blastRadius,
		IdempotencyKey:     r.IdempotencyKey.String,
		ChangeSetID:        r.ChangeSetID,
		CanonicalURL:       r.CanonicalURL,
		Tags:               tags,
		Metadata:           metadata,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

const insertQuery = `
	INSERT OR IGNORE INTO change_events (
		id, timestamp, service, additional_services, change_type, source,
		initiator, initiator_identity, author_type, status, environment,
		summary, commit_sha, pr_number, pr_url, repository, branch, diff,
		files_changed, config_keys, previous_version, new_version, blast_radius,
		idempotency_key, change_set_id, canonical_url, tags, metadata,
		created_at, updated_at
	) VALUES (
		:id, :timestamp, :service, :additional_services, :change_type, :source,
		:initiator, :initiator_identity, :author_type, :status, :environment,
		:summary, :commit_sha, :pr_number, :pr_url, :repository, :branch, :diff,
		:files_changed, :config_keys, :previous_version, :new_version, :blast_radius,
		:idempotency_key, :change_set_id, :canonical_url, :tags, :metadata,
		:created_at, :updated_at
	)
`

// Insert persists a new change event. If the event carries an
// IdempotencyKey that already exists in the store, Insert returns the
// existing event instead of creating a duplicate; concurrent Inserts
// sharing the same key are collapsed via singleflight so only one of them
// hits the database.
func (s *EventStore) Insert(ctx context.Context, event *models.ChangeEvent) (*models.ChangeEvent, error) {
	if event.ID == "" {
		return nil, cerrors.Validation("event id is required")
	}

	collapseKey := event.IdempotencyKey
	if collapseKey == "" {
		collapseKey = event.ID
	}

	result, err, _ := s.sf.Do(collapseKey, func() (interface{}, error) {
		if event.IdempotencyKey != "" {
			if existing, err := s.GetByIdempotencyKey(ctx, event.IdempotencyKey); err == nil {
				return existing, nil
			} else if cerrors.GetKind(err) != cerrors.NotFound {
				return nil, err
			}
		}

		r, err := toRow(event)
		if err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}

		res, err := s.db.NamedExecContext(ctx, insertQuery, r)
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			// id collided without an idempotency key match; surface as Conflict.
			return nil, cerrors.Conflictf("change event %s already exists", event.ID)
		}
		return event, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.ChangeEvent), nil
}

// GetByIdempotencyKey looks up an event by its idempotency key.
func (s *EventStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.ChangeEvent, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM change_events WHERE idempotency_key = ?`, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, cerrors.NotFoundf("no event with idempotency key %s", key)
		}
		return nil, fmt.Errorf("get by idempotency key: %w", err)
	}
	return r.toEvent()
}

// Get retrieves a single event by id.
func (s *EventStore) Get(ctx context.Context, id string) (*models.ChangeEvent, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM change_events WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, cerrors.NotFoundf("no event with id %s", id)
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return r.toEvent()
}

// Update applies a partial update to an existing event and returns the
// merged result.
func (s *EventStore) Update(ctx context.Context, id string, patch *models.PartialChangeEvent) (*models.ChangeEvent, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch == nil || patchIsEmpty(patch) {
		return existing, nil
	}
	applyPatch(existing, patch)
	existing.UpdatedAt = time.Now().UTC()

	r, err := toRow(existing)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	_, err = s.db.NamedExecContext(ctx, `
		UPDATE change_events SET
			timestamp = :timestamp, service = :service,
			additional_services = :additional_services, change_type = :change_type,
			source = :source, initiator = :initiator,
			initiator_identity = :initiator_identity, author_type = :author_type,
			status = :status, environment = :environment, summary = :summary,
			commit_sha = :commit_sha, pr_number = :pr_number, pr_url = :pr_url,
			repository = :repository, branch = :branch, diff = :diff,
			files_changed = :files_changed, config_keys = :config_keys,
			previous_version = :previous_version, new_version = :new_version,
			blast_radius = :blast_radius,
			change_set_id = :change_set_id, canonical_url = :canonical_url,
			tags = :tags, metadata = :metadata, updated_at = :updated_at
		WHERE id = :id
	`, r)
	if err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}
	return existing, nil
}

// patchIsEmpty reports whether p carries no recognized field, in which case
// Update is a documented no-op that leaves updatedAt untouched.
func patchIsEmpty(p *models.PartialChangeEvent) bool {
	return p.Timestamp == nil && p.Service == nil && p.AdditionalServices == nil &&
		p.ChangeType == nil && p.Source == nil && p.Initiator == nil &&
		p.InitiatorIdentity == nil && p.AuthorType == nil && p.Status == nil &&
		p.Environment == nil && p.Summary == nil && p.CommitSHA == nil &&
		p.PRNumber == nil && p.PRUrl == nil && p.Repository == nil &&
		p.Branch == nil && p.Diff == nil && p.FilesChanged == nil &&
		p.ConfigKeys == nil && p.PreviousVersion == nil && p.NewVersion == nil &&
		p.BlastRadius == nil && p.ChangeSetID == nil && p.CanonicalURL == nil &&
		p.Tags == nil && p.Metadata == nil
}

func applyPatch(e *models.ChangeEvent, p *models.PartialChangeEvent) {
	if p.Timestamp != nil {
		e.Timestamp = *p.Timestamp
	}
	if p.Service != nil {
		e.Service = *p.Service
	}
	if p.AdditionalServices != nil {
		e.AdditionalServices = p.AdditionalServices
	}
	if p.ChangeType != nil {
		e.ChangeType = *p.ChangeType
	}
	if p.Source != nil {
		e.Source = *p.Source
	}
	if p.Initiator != nil {
		e.Initiator = *p.Initiator
	}
	if p.InitiatorIdentity != nil {
		e.InitiatorIdentity = *p.InitiatorIdentity
	}
	if p.AuthorType != nil {
		e.AuthorType = *p.AuthorType
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.Environment != nil {
		e.Environment = *p.Environment
	}
	if p.Summary != nil {
		e.Summary = *p.Summary
	}
	if p.CommitSHA != nil {
		e.CommitSHA = *p.CommitSHA
	}
	if p.PRNumber != nil {
		e.PRNumber = *p.PRNumber
	}
	if p.PRUrl != nil {
		e.PRUrl = *p.PRUrl
	}
	if p.Repository != nil {
		e.Repository = *p.Repository
	}
	if p.Branch != nil {
		e.Branch = *p.Branch
	}
	if p.Diff != nil {
		e.Diff = *p.Diff
	}
	if p.FilesChanged != nil {
		e.FilesChanged = p.FilesChanged
	}
	if p.ConfigKeys != nil {
		e.ConfigKeys = p.ConfigKeys
	}
	if p.PreviousVersion != nil {
		e.PreviousVersion = *p.PreviousVersion
	}
	if p.NewVersion != nil {
		e.NewVersion = *p.NewVersion
	}
	if p.BlastRadius != nil {
		e.BlastRadius = p.BlastRadius
	}
	if p.ChangeSetID != nil {
		e.ChangeSetID = *p.ChangeSetID
	}
	if p.CanonicalURL != nil {
		e.CanonicalURL = *p.CanonicalURL
	}
	if p.Tags != nil {
		e.Tags = p.Tags
	}
	if p.Metadata != nil {
		e.Metadata = p.Metadata
	}
}

// Delete removes an event by id.
func (s *EventStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM change_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return cerrors.NotFoundf("no event with id %s", id)
	}
	return nil
}

// Query runs a filtered scan over stored events, newest first, bounded by
// opts.Limit (default 50, max 1000).
func (s *EventStore) Query(ctx context.Context, opts models.QueryOptions) ([]*models.ChangeEvent, error) {
	var clauses []string
	var args []interface{}

	if len(opts.Services) > 0 {
		// A service filter matches the event's primary service OR any of its
		// additionalServices, which are stored as a JSON array column.
		var sub []string
		for _, svc := range opts.Services {
			sub = append(sub, "service = ?", "additional_services LIKE ?")
			args = append(args, svc, jsonArrayContainsPattern(svc))
		}
		clauses = append(clauses, "("+strings.Join(sub, " OR ")+")")
	}
	if len(opts.ChangeTypes) > 0 {
		placeholders := make([]string, len(opts.ChangeTypes))
		for i, ct := range opts.ChangeTypes {
			placeholders[i] = "?"
			args = append(args, string(ct))
		}
		clauses = append(clauses, fmt.Sprintf("change_type IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(opts.Sources) > 0 {
		placeholders := make([]string, len(opts.Sources))
		for i, src := range opts.Sources {
			placeholders[i] = "?"
			args = append(args, string(src))
		}
		clauses = append(clauses, fmt.Sprintf("source IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Environment != "" {
		clauses = append(clauses, "environment = ?")
		args = append(args, opts.Environment)
	}
	if opts.Since != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, *opts.Until)
	}
	if opts.Initiator != nil {
		clauses = append(clauses, "initiator = ?")
		args = append(args, string(*opts.Initiator))
	}
	if opts.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, string(*opts.Status))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := "SELECT * FROM change_events"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return rowsToEvents(rows)
}

// Search performs full-text search over summary/service using the FTS5
// bm25 ranking function. The query is whitespace-split into terms; terms
// shorter than two characters are discarded; each surviving term becomes a
// prefix match, and the terms are OR-combined.
func (s *EventStore) Search(ctx context.Context, query string, limit int) ([]*models.ChangeEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	match := buildPrefixMatchQuery(query)
	if match == "" {
		return nil, nil
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT e.* FROM change_events e
		JOIN change_events_fts fts ON e.rowid = fts.rowid
		WHERE change_events_fts MATCH ?
		ORDER BY bm25(change_events_fts) LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	return rowsToEvents(rows)
}

// buildPrefixMatchQuery turns a free-text query into an FTS5 MATCH
// expression: each whitespace-delimited term of length >= 2 becomes a
// quoted prefix term, ORed together. Returns "" if no term survives.
func buildPrefixMatchQuery(q string) string {
	terms := strings.Fields(q)
	var clauses []string
	for _, t := range terms {
		if len(t) < 2 {
			continue
		}
		escaped := strings.ReplaceAll(t, `"`, `""`)
		clauses = append(clauses, fmt.Sprintf(`"%s"*`, escaped))
	}
	return strings.Join(clauses, " OR ")
}

func rowsToEvents(rows []row) ([]*models.ChangeEvent, error) {
	events := make([]*models.ChangeEvent, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// GetRecentForServices returns events whose service or additionalServices
// touch any of the given services within [since, until], used by the
// correlator to source candidates. It is a thin convenience over Query.
func (s *EventStore) GetRecentForServices(ctx context.Context, services []string, since, until time.Time) ([]*models.ChangeEvent, error) {
	if len(services) == 0 {
		return nil, nil
	}
	return s.Query(ctx, models.QueryOptions{Services: services, Since: &since, Until: &until, Limit: 100})
}

// jsonArrayContainsPattern builds a LIKE pattern matching svc as a quoted
// element of a JSON-encoded string array column.
func jsonArrayContainsPattern(svc string) string {
	return `%"` + svc + `"%`
}

// sortEventsByTimestampAsc orders events oldest-first in place; velocity
// computations need ascending order regardless of the descending order
// Query/GetRecentForServices otherwise return.
func sortEventsByTimestampAsc(events []*models.ChangeEvent) {
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
}

// GetVelocity computes the change frequency for a single service over the
// trailing windowMinutes.
func (s *EventStore) GetVelocity(ctx context.Context, service string, windowMinutes int) (*models.VelocityMetric, error) {
	until := time.Now().UTC()
	since := until.Add(-time.Duration(windowMinutes) * time.Minute)

	events, err := s.GetRecentForServices(ctx, []string{service}, since, until)
	if err != nil {
		return nil, err
	}
	sortEventsByTimestampAsc(events)

	metric := &models.VelocityMetric{
		Service:       service,
		WindowMinutes: windowMinutes,
		ChangeCount:   len(events),
		ChangeTypes:   map[string]int{},
		WindowStart:   since,
		WindowEnd:     until,
	}
	if len(events) == 0 {
		return metric, nil
	}

	for _, e := range events {
		metric.ChangeTypes[string(e.ChangeType)]++
	}

	if len(events) > 1 {
		totalGapMinutes := events[len(events)-1].Timestamp.Sub(events[0].Timestamp).Minutes()
		metric.AverageIntervalMinutes = totalGapMinutes / float64(len(events)-1)
	}

	return metric, nil
}

// GetVelocityTrend computes a VelocityMetric per bucket of bucketMinutes
// width across [since, until), oldest first. Each bucket includes its start
// and excludes its end, so an event exactly at until is not counted.
func (s *EventStore) GetVelocityTrend(ctx context.Context, service string, since, until time.Time, bucketMinutes int) ([]*models.VelocityMetric, error) {
	events, err := s.GetRecentForServices(ctx, []string{service}, since, until)
	if err != nil {
		return nil, err
	}
	sortEventsByTimestampAsc(events)

	bucketDur := time.Duration(bucketMinutes) * time.Minute
	var metrics []*models.VelocityMetric
	for bucketStart := since; bucketStart.Before(until); bucketStart = bucketStart.Add(bucketDur) {
		bucketEnd := bucketStart.Add(bucketDur)
		metric := &models.VelocityMetric{
			Service:       service,
			WindowMinutes: bucketMinutes,
			ChangeTypes:   map[string]int{},
			WindowStart:   bucketStart,
			WindowEnd:     bucketEnd,
		}
		var bucketEvents []*models.ChangeEvent
		for _, e := range events {
			if !e.Timestamp.Before(bucketStart) && e.Timestamp.Before(bucketEnd) {
				bucketEvents = append(bucketEvents, e)
				metric.ChangeTypes[string(e.ChangeType)]++
			}
		}
		metric.ChangeCount = len(bucketEvents)
		if len(bucketEvents) > 1 {
			totalGap := bucketEvents[len(bucketEvents)-1].Timestamp.Sub(bucketEvents[0].Timestamp).Minutes()
			metric.AverageIntervalMinutes = totalGap / float64(len(bucketEvents)-1)
		}
		metrics = append(metrics, metric)
	}
	return metrics, nil
}

// PruneOlderThan deletes events with timestamp strictly before cutoff,
// returning the number of rows removed.
func (s *EventStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM change_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// GetStats aggregates counts across the entire store.
func (s *EventStore) GetStats(ctx context.Context) (*models.StoreStats, error) {
	stats := &models.StoreStats{
		ByType:        map[string]int{},
		BySource:      map[string]int{},
		ByEnvironment: map[string]int{},
	}

	if err := s.db.GetContext(ctx, &stats.Total, `SELECT COUNT(*) FROM change_events`); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	type countRow struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}

	fill := func(column string, dest map[string]int) error {
		var rows []countRow
		query := fmt.Sprintf(`SELECT %s as key, COUNT(*) as count FROM change_events GROUP BY %s`, column, column)
		if err := s.db.SelectContext(ctx, &rows, query); err != nil {
			return err
		}
		for _, r := range rows {
			dest[r.Key] = r.Count
		}
		return nil
	}

	if err := fill("change_type", stats.ByType); err != nil {
		return nil, fmt.Errorf("aggregate by type: %w", err)
	}
	if err := fill("source", stats.BySource); err != nil {
		return nil, fmt.Errorf("aggregate by source: %w", err)
	}
	if err := fill("environment", stats.ByEnvironment); err != nil {
		return nil, fmt.Errorf("aggregate by environment: %w", err)
	}

	return stats, nil
}

// Transaction runs fn inside a SQL transaction, committing on success and
// rolling back on error or panic. Used by the service layer to make batch
// ingest atomic.
func (s *EventStore) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InsertTx is Insert's transaction-scoped counterpart, used inside
// Transaction callbacks for batch ingest.
func (s *EventStore) InsertTx(ctx context.Context, tx *sqlx.Tx, event *models.ChangeEvent) (*models.ChangeEvent, error) {
	if event.IdempotencyKey != "" {
		var existing row
		err := tx.GetContext(ctx, &existing, `SELECT * FROM change_events WHERE idempotency_key = ?`, event.IdempotencyKey)
		if err == nil {
			return existing.toEvent()
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
	}

	r, err := toRow(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	res, err := tx.NamedExecContext(ctx, insertQuery, r)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, cerrors.Conflictf("change event %s already exists", event.ID)
	}
	return event, nil
}
