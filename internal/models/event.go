// Package models holds the data types shared across the change intelligence
// core: change events, the service dependency graph, and the analytical
// result types derived from them.
package models

import "time"

// ChangeType enumerates the kinds of change the store recognizes.
type ChangeType string

const (
	ChangeTypeDeployment        ChangeType = "deployment"
	ChangeTypeConfigChange      ChangeType = "config_change"
	ChangeTypeInfraModification ChangeType = "infra_modification"
	ChangeTypeFeatureFlag       ChangeType = "feature_flag"
	ChangeTypeDBMigration       ChangeType = "db_migration"
	ChangeTypeCodeChange        ChangeType = "code_change"
	ChangeTypeRollback          ChangeType = "rollback"
	ChangeTypeScaling           ChangeType = "scaling"
	ChangeTypeSecurityPatch     ChangeType = "security_patch"
)

// Source enumerates the upstream systems a change event may originate from.
type Source string

const (
	SourceGitHub         Source = "github"
	SourceGitLab         Source = "gitlab"
	SourceAWSCodePipeline Source = "aws_codepipeline"
	SourceAWSECS         Source = "aws_ecs"
	SourceAWSLambda      Source = "aws_lambda"
	SourceKubernetes     Source = "kubernetes"
	SourceClaudeHook     Source = "claude_hook"
	SourceAgentHook      Source = "agent_hook"
	SourceManual         Source = "manual"
	SourceTerraform      Source = "terraform"
)

// Initiator enumerates who (or what) triggered a change.
type Initiator string

const (
	InitiatorHuman      Initiator = "human"
	InitiatorAgent      Initiator = "agent"
	InitiatorAutomation Initiator = "automation"
	InitiatorUnknown    Initiator = "unknown"
)

// AuthorType distinguishes the nature of the change's authorship, which is
// independent of who (or what) triggered its application.
type AuthorType string

const (
	AuthorTypeHuman           AuthorType = "human"
	AuthorTypeAIAssisted      AuthorType = "ai_assisted"
	AuthorTypeAutonomousAgent AuthorType = "autonomous_agent"
)

// Status enumerates the lifecycle state of a change.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// ChangeEvent is a single logical mutation observed in the environment.
type ChangeEvent struct {
	ID                 string            `json:"id" db:"id"`
	Timestamp          time.Time         `json:"timestamp" db:"timestamp"`
	Service            string            `json:"service" db:"service"`
	AdditionalServices []string          `json:"additionalServices" db:"-"`
	ChangeType         ChangeType        `json:"changeType" db:"change_type"`
	Source             Source            `json:"source" db:"source"`
	Initiator          Initiator         `json:"initiator" db:"initiator"`
	InitiatorIdentity  string            `json:"initiatorIdentity,omitempty" db:"initiator_identity"`
	AuthorType         AuthorType        `json:"authorType,omitempty" db:"author_type"`
	Status             Status            `json:"status" db:"status"`
	Environment        string            `json:"environment" db:"environment"`
	Summary            string            `json:"summary" db:"summary"`
	CommitSHA          string            `json:"commitSha,omitempty" db:"commit_sha"`
	PRNumber           int               `json:"prNumber,omitempty" db:"pr_number"`
	PRUrl              string            `json:"prUrl,omitempty" db:"pr_url"`
	Repository         string            `json:"repository,omitempty" db:"repository"`
	Branch             string            `json:"branch,omitempty" db:"branch"`
	Diff               string            `json:"diff,omitempty" db:"diff"`
	FilesChanged       []string          `json:"filesChanged" db:"-"`
	ConfigKeys         []string          `json:"configKeys" db:"-"`
	PreviousVersion    string            `json:"previousVersion,omitempty" db:"previous_version"`
	NewVersion         string            `json:"newVersion,omitempty" db:"new_version"`
	BlastRadius        *BlastRadiusPrediction `json:"blastRadius,omitempty" db:"-"`
	IdempotencyKey     string            `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	ChangeSetID        string            `json:"changeSetId,omitempty" db:"change_set_id"`
	CanonicalURL       string            `json:"canonicalUrl,omitempty" db:"canonical_url"`
	Tags               []string          `json:"tags" db:"-"`
	Metadata           map[string]string `json:"metadata" db:"-"`
	CreatedAt          time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time         `json:"updatedAt" db:"updated_at"`
}

// PartialChangeEvent carries the subset of ChangeEvent fields a caller may
// supply on insert or partial update. Pointers distinguish "not provided"
// from "provided as zero value".
type PartialChangeEvent struct {
	Timestamp          *time.Time
	Service            *string
	AdditionalServices []string
	ChangeType         *ChangeType
	Source             *Source
	Initiator          *Initiator
	InitiatorIdentity  *string
	AuthorType         *AuthorType
	Status             *Status
	Environment        *string
	Summary            *string
	CommitSHA          *string
	PRNumber           *int
	PRUrl              *string
	Repository         *string
	Branch             *string
	Diff               *string
	FilesChanged       []string
	ConfigKeys         []string
	PreviousVersion    *string
	NewVersion         *string
	BlastRadius        *BlastRadiusPrediction
	IdempotencyKey     *string
	ChangeSetID        *string
	CanonicalURL       *string
	Tags               []string
	Metadata           map[string]string
}

// VelocityMetric summarizes change frequency for a service over a window.
type VelocityMetric struct {
	Service                string             `json:"service"`
	WindowMinutes          int                `json:"windowMinutes"`
	ChangeCount            int                `json:"changeCount"`
	ChangeTypes            map[string]int     `json:"changeTypes"`
	AverageIntervalMinutes float64            `json:"averageIntervalMinutes"`
	WindowStart            time.Time          `json:"windowStart"`
	WindowEnd              time.Time          `json:"windowEnd"`
}

// StoreStats aggregates counts across the event store.
type StoreStats struct {
	Total          int            `json:"total"`
	ByType         map[string]int `json:"byType"`
	BySource       map[string]int `json:"bySource"`
	ByEnvironment  map[string]int `json:"byEnvironment"`
}

// QueryOptions recognizes the filters EventStore.Query supports. All fields
// are optional and AND-combined.
type QueryOptions struct {
	Services     []string
	ChangeTypes  []ChangeType
	Sources      []Source
	Environment  string
	Since        *time.Time
	Until        *time.Time
	Initiator    *Initiator
	Status       *Status
	Limit        int
}
