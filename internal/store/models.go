// Package store defines the persistent entities backing the harness'
// metadata store, field-for-field grounded on the original db/schema.py
// definitions, expressed as Go structs with sqlx "db" tags.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LifecycleState enumerates the states a RuntimeEnvironment moves through.
type LifecycleState string

const (
	StateProvisioning LifecycleState = "provisioning"
	StateReady        LifecycleState = "ready"
	StateInUse        LifecycleState = "in_use"
	StateDirty        LifecycleState = "dirty"
	StateRefreshing   LifecycleState = "refreshing"
	StateQuarantined  LifecycleState = "quarantined"
	StateDestroyed    LifecycleState = "destroyed"
)

// TemplateEnvironment is an immutable, cloneable schema definition owned
// by a service and optionally scoped to a single test.
type TemplateEnvironment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Service     string    `db:"service" json:"service"`
	Name        string    `db:"name" json:"name"`
	TestID      *uuid.UUID `db:"test_id" json:"test_id,omitempty"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	Visibility  string    `db:"visibility" json:"visibility"` // "private" | "shared"
	SourceDSN   string    `db:"source_dsn" json:"source_dsn"`
	SchemaName  string    `db:"schema_name" json:"schema_name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// RuntimeEnvironment is a live, per-run namespace cloned from a template.
type RuntimeEnvironment struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	TemplateID    uuid.UUID      `db:"template_id" json:"template_id"`
	SchemaName    string         `db:"schema_name" json:"schema_name"`
	State         LifecycleState `db:"state" json:"state"`
	ClaimedBy     *string        `db:"claimed_by" json:"claimed_by,omitempty"`
	PoolEntryID   *uuid.UUID     `db:"pool_entry_id" json:"pool_entry_id,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
	DestroyedAt   *time.Time     `db:"destroyed_at" json:"destroyed_at,omitempty"`
}

// EnvironmentPoolEntry is a pre-cloned warm namespace awaiting a claim.
type EnvironmentPoolEntry struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	TemplateID uuid.UUID      `db:"template_id" json:"template_id"`
	SchemaName string         `db:"schema_name" json:"schema_name"`
	State      LifecycleState `db:"state" json:"state"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// SnapshotMetadata records a point-in-time fingerprint for a single table
// within a runtime environment, used to skip unchanged tables on diff.
type SnapshotMetadata struct {
	ID            uuid.UUID `db:"id" json:"id"`
	EnvironmentID uuid.UUID `db:"environment_id" json:"environment_id"`
	RunID         uuid.UUID `db:"run_id" json:"run_id"`
	TableName     string    `db:"table_name" json:"table_name"`
	Stage         string    `db:"stage" json:"stage"` // "before" | "after"
	RowCount      int64     `db:"row_count" json:"row_count"`
	Checksum      string    `db:"checksum" json:"checksum"`
	SnapshotTable string    `db:"snapshot_table" json:"snapshot_table"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// ChangeJournal is a single durable change event captured by the logical
// replication worker.
type ChangeJournal struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	EnvironmentID uuid.UUID       `db:"environment_id" json:"environment_id"`
	RunID         uuid.UUID       `db:"run_id" json:"run_id"`
	LSN           string          `db:"lsn" json:"lsn"`
	TableName     string          `db:"table_name" json:"table_name"`
	Operation     string          `db:"operation" json:"operation"` // insert|update|delete
	PrimaryKey    json.RawMessage `db:"primary_key" json:"primary_key"`
	Before        json.RawMessage `db:"before" json:"before,omitempty"`
	After         json.RawMessage `db:"after" json:"after,omitempty"`
	CapturedAt    time.Time       `db:"captured_at" json:"captured_at"`
}

// Test is an assertion-bearing scenario definition, identified by
// (service, name).
type Test struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	Service    string          `db:"service" json:"service"`
	Name       string          `db:"name" json:"name"`
	OwnerID    string          `db:"owner_id" json:"owner_id"`
	Visibility string          `db:"visibility" json:"visibility"`
	DSL        json.RawMessage `db:"dsl" json:"dsl"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// TestSuite groups Tests via TestMembership rows.
type TestSuite struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Service   string    `db:"service" json:"service"`
	Name      string    `db:"name" json:"name"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TestMembership joins a Test into a TestSuite at a given position.
type TestMembership struct {
	TestSuiteID uuid.UUID `db:"test_suite_id" json:"test_suite_id"`
	TestID      uuid.UUID `db:"test_id" json:"test_id"`
	Position    int       `db:"position" json:"position"`
}

// RunStatus enumerates the states a TestRun moves through.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunError   RunStatus = "error"
)

// TestRun records a single execution of a Test (or, for a suite-only
// run, bare assertion evaluation scoped to a TestSuite) against a
// RuntimeEnvironment's captured diff. Exactly one capture mechanism is
// populated depending on how the run was started: either
// BeforeSnapshotSuffix (and, once ended, AfterSnapshotSuffix) for the
// snapshot-diff strategy, or the Replication* fields for the logical
// replication journal.
type TestRun struct {
	ID                   uuid.UUID       `db:"id" json:"id"`
	TestID               *uuid.UUID      `db:"test_id" json:"test_id,omitempty"`
	SuiteID              *uuid.UUID      `db:"suite_id" json:"suite_id,omitempty"`
	EnvironmentID        uuid.UUID       `db:"environment_id" json:"environment_id"`
	Status               RunStatus       `db:"status" json:"status"`
	Score                float64         `db:"score" json:"score"`
	Passed               bool            `db:"passed" json:"passed"`
	Results              json.RawMessage `db:"results" json:"results"`
	BeforeSnapshotSuffix *string         `db:"before_snapshot_suffix" json:"before_snapshot_suffix,omitempty"`
	AfterSnapshotSuffix  *string         `db:"after_snapshot_suffix" json:"after_snapshot_suffix,omitempty"`
	ReplicationSlotName  *string         `db:"replication_slot_name" json:"replication_slot_name,omitempty"`
	ReplicationPlugin    *string         `db:"replication_plugin" json:"replication_plugin,omitempty"`
	ReplicationStartedAt *time.Time      `db:"replication_started_at" json:"replication_started_at,omitempty"`
	CreatedBy            string          `db:"created_by" json:"created_by"`
	StartedAt            time.Time       `db:"started_at" json:"started_at"`
	FinishedAt           *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// Diff is the compiled before/after comparison for a RuntimeEnvironment,
// produced by either the snapshot differ or the replication journal
// drain, and consumed by the assertion engine.
type Diff struct {
	ID            uuid.UUID              `db:"id" json:"id"`
	EnvironmentID uuid.UUID              `db:"environment_id" json:"environment_id"`
	RunID         uuid.UUID              `db:"run_id" json:"run_id"`
	Source        string                 `db:"source" json:"source"` // "snapshot" | "replication"
	Tables        map[string]TableDiff   `db:"-" json:"tables"`
	CreatedAt     time.Time              `db:"created_at" json:"created_at"`
}

// TableDiff groups inserted, updated and deleted rows for one table.
type TableDiff struct {
	Inserted []RowChange `json:"inserted"`
	Updated  []RowChange `json:"updated"`
	Deleted  []RowChange `json:"deleted"`
}

// RowChange is a single row's before/after state, keyed by primary key.
type RowChange struct {
	PrimaryKey map[string]any `json:"primary_key"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
}
