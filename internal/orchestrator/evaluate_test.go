package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/dsl"
	"github.com/agentdiff/harness/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, sqlmock.Sqlmock) {
	t.Helper()

	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("while opening sqlmock: %v", err)
	}
	db := sqlx.NewDb(rawDB, "postgres")

	compiler, err := dsl.New()
	if err != nil {
		t.Fatalf("while building dsl compiler: %v", err)
	}

	return New(db, nil, nil, compiler), mock
}

func expectRunLookup(mock sqlmock.Sqlmock, run store.TestRun) {
	mock.ExpectQuery(`SELECT \* FROM test_runs WHERE id = \$1`).
		WithArgs(run.ID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "test_id", "suite_id", "environment_id", "status", "score", "passed", "results",
			"before_snapshot_suffix", "after_snapshot_suffix",
			"replication_slot_name", "replication_plugin", "replication_started_at",
			"created_by", "started_at", "finished_at",
		}).AddRow(
			run.ID, run.TestID, run.SuiteID, run.EnvironmentID, run.Status, run.Score, run.Passed, []byte("{}"),
			run.BeforeSnapshotSuffix, run.AfterSnapshotSuffix,
			run.ReplicationSlotName, run.ReplicationPlugin, run.ReplicationStartedAt,
			run.CreatedBy, run.StartedAt, run.FinishedAt,
		))
}

// TestEvaluateReplaysStoredDiffAgainstANewSpec pins the exact queries
// Evaluate issues against test_runs and diffs, asserted with go-sqlmock
// rather than a live database, matching the repository-layer test style
// the pack (jordigilh-kubernaut) exercises this library for.
func TestEvaluateReplaysStoredDiffAgainstANewSpec(t *testing.T) {
	orc, mock := newTestOrchestrator(t)

	runID := uuid.New()
	environmentID := uuid.New()
	const principalID = "agent-007"

	run := store.TestRun{
		ID:            runID,
		EnvironmentID: environmentID,
		Status:        store.RunRunning,
		CreatedBy:     principalID,
	}
	expectRunLookup(mock, run)

	tables := map[string]store.TableDiff{
		"orders": {
			Inserted: []store.RowChange{{
				PrimaryKey: map[string]any{"id": float64(1)},
				After:      map[string]any{"id": float64(1), "status": "paid"},
			}},
		},
	}
	tablesJSON, _ := json.Marshal(tables)

	mock.ExpectQuery(`SELECT tables FROM diffs WHERE run_id = \$1`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"tables"}).AddRow(tablesJSON))

	mock.ExpectExec(`UPDATE test_runs`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	spec := map[string]any{
		"assertions": []any{
			map[string]any{"diff_type": "added", "table": "orders"},
		},
	}

	report, err := orc.Evaluate(context.Background(), runID, principalID, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("expected 1 assertion result, got %d", len(report.Results))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

// TestEvaluateReturnsNotFoundForAnUnknownRun confirms a missing run row
// maps to apierr.KindNotFound rather than a bare sql.ErrNoRows leaking
// through the orchestrator's API.
func TestEvaluateReturnsNotFoundForAnUnknownRun(t *testing.T) {
	orc, mock := newTestOrchestrator(t)

	runID := uuid.New()
	mock.ExpectQuery(`SELECT \* FROM test_runs WHERE id = \$1`).
		WithArgs(runID).
		WillReturnError(sql.ErrNoRows)

	_, err := orc.Evaluate(context.Background(), runID, "agent-007", map[string]any{"assertions": []any{}})
	if apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v (%v)", apierr.KindOf(err), err)
	}
}

// TestEvaluateRejectsNonCreatorAsNotFound confirms a principal who did
// not create the run is denied access in a way that doesn't distinguish
// "not yours" from "doesn't exist".
func TestEvaluateRejectsNonCreatorAsNotFound(t *testing.T) {
	orc, mock := newTestOrchestrator(t)

	runID := uuid.New()
	run := store.TestRun{ID: runID, EnvironmentID: uuid.New(), Status: store.RunRunning, CreatedBy: "agent-007"}
	expectRunLookup(mock, run)

	_, err := orc.Evaluate(context.Background(), runID, "someone-else", map[string]any{"assertions": []any{}})
	if apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("expected KindNotFound for non-creator access, got %v (%v)", apierr.KindOf(err), err)
	}
}
