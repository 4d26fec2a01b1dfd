package orchestrator

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/config"
	"github.com/agentdiff/harness/internal/dsl"
	"github.com/agentdiff/harness/internal/replication"
	"github.com/agentdiff/harness/internal/store"
)

func newTestOrchestratorWithReplication(t *testing.T) (*Orchestrator, sqlmock.Sqlmock) {
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

	repl := replication.NewService(config.ReplicationConfig{Plugin: "wal2json", SlotName: "harness_slot"}, nil)

	return New(db, nil, repl, compiler), mock
}

func expectEnvironmentLookup(mock sqlmock.Sqlmock, env store.RuntimeEnvironment) {
	mock.ExpectQuery(`SELECT \* FROM runtime_environments WHERE id = \$1`).
		WithArgs(env.ID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "template_id", "schema_name", "state", "claimed_by", "pool_entry_id",
			"created_at", "updated_at", "destroyed_at",
		}).AddRow(
			env.ID, env.TemplateID, env.SchemaName, env.State, env.ClaimedBy, env.PoolEntryID,
			env.CreatedAt, env.UpdatedAt, env.DestroyedAt,
		))
}

// TestStartRunRegistersReplicationStreamAndPersistsRun confirms StartRun
// loads the environment, enforces the claim check, registers a
// replication stream without touching the database, and persists a
// TestRun row carrying the replication slot/plugin/start time.
func TestStartRunRegistersReplicationStreamAndPersistsRun(t *testing.T) {
	orc, mock := newTestOrchestratorWithReplication(t)

	const principalID = "agent-007"
	claimedBy := principalID
	env := store.RuntimeEnvironment{
		ID:         uuid.New(),
		SchemaName: "env_abc123",
		ClaimedBy:  &claimedBy,
	}
	expectEnvironmentLookup(mock, env)

	mock.ExpectExec(`INSERT INTO test_runs`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	testID := uuid.New()
	runID, err := orc.StartRun(context.Background(), env.ID, &testID, nil, principalID, CaptureReplication)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runID == uuid.Nil {
		t.Fatalf("expected a non-nil run id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

// TestStartRunDeniesUnclaimedEnvironmentAsNotFound confirms a caller who
// never claimed the environment is rejected as NotFound rather than
// Unauthorized, matching the existence-leak-avoidance convention used
// for template access checks.
func TestStartRunDeniesUnclaimedEnvironmentAsNotFound(t *testing.T) {
	orc, mock := newTestOrchestratorWithReplication(t)

	claimedBy := "someone-else"
	env := store.RuntimeEnvironment{ID: uuid.New(), SchemaName: "env_abc123", ClaimedBy: &claimedBy}
	expectEnvironmentLookup(mock, env)

	testID := uuid.New()
	_, err := orc.StartRun(context.Background(), env.ID, &testID, nil, "agent-007", CaptureReplication)
	if apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v (%v)", apierr.KindOf(err), err)
	}
}

// TestStartRunRequiresTestOrSuite confirms a run cannot be started
// without being bound to either a test or a suite.
func TestStartRunRequiresTestOrSuite(t *testing.T) {
	orc, mock := newTestOrchestratorWithReplication(t)

	claimedBy := "agent-007"
	env := store.RuntimeEnvironment{ID: uuid.New(), SchemaName: "env_abc123", ClaimedBy: &claimedBy}
	expectEnvironmentLookup(mock, env)

	_, err := orc.StartRun(context.Background(), env.ID, nil, nil, "agent-007", CaptureReplication)
	if apierr.KindOf(err) != apierr.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput, got %v (%v)", apierr.KindOf(err), err)
	}
}

// TestEndRunRecoversCaptureModeFromPersistedState confirms EndRun
// determines the capture mechanism from the run's own
// replication_slot_name column rather than trusting a caller-supplied
// mode, and that it loads the bound test's spec when no override is
// given.
func TestEndRunRecoversCaptureModeFromPersistedState(t *testing.T) {
	orc, mock := newTestOrchestratorWithReplication(t)

	const principalID = "agent-007"
	runID := uuid.New()
	testID := uuid.New()
	environmentID := uuid.New()
	slotName := "harness_slot"

	run := store.TestRun{
		ID:                  runID,
		TestID:              &testID,
		EnvironmentID:       environmentID,
		Status:              store.RunRunning,
		ReplicationSlotName: &slotName,
		CreatedBy:           principalID,
	}
	expectRunLookup(mock, run)

	claimedBy := principalID
	env := store.RuntimeEnvironment{ID: environmentID, SchemaName: "env_abc123", ClaimedBy: &claimedBy}
	expectEnvironmentLookup(mock, env)

	specJSON := []byte(`{"assertions":[{"diff_type":"added","entity":"orders"}]}`)
	mock.ExpectQuery(`SELECT dsl FROM tests WHERE id = \$1`).
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows([]string{"dsl"}).AddRow(specJSON))

	mock.ExpectQuery(`SELECT \* FROM change_journal WHERE run_id = \$1 ORDER BY captured_at, lsn`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "environment_id", "run_id", "lsn", "table_name", "operation",
			"primary_key", "before", "after", "captured_at",
		}))

	mock.ExpectExec(`INSERT INTO diffs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE test_runs`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	report, err := orc.EndRun(context.Background(), runID, principalID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report == nil {
		t.Fatalf("expected a report")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

// TestEndRunRequiresExplicitSpecForSuiteOnlyRun confirms a run with no
// bound test cannot be ended without an explicit spec override.
func TestEndRunRequiresExplicitSpecForSuiteOnlyRun(t *testing.T) {
	orc, mock := newTestOrchestratorWithReplication(t)

	const principalID = "agent-007"
	runID := uuid.New()
	suiteID := uuid.New()
	environmentID := uuid.New()
	slotName := "harness_slot"

	run := store.TestRun{
		ID:                  runID,
		SuiteID:             &suiteID,
		EnvironmentID:       environmentID,
		Status:              store.RunRunning,
		ReplicationSlotName: &slotName,
		CreatedBy:           principalID,
	}
	expectRunLookup(mock, run)

	claimedBy := principalID
	env := store.RuntimeEnvironment{ID: environmentID, SchemaName: "env_abc123", ClaimedBy: &claimedBy}
	expectEnvironmentLookup(mock, env)

	_, err := orc.EndRun(context.Background(), runID, principalID, nil)
	if apierr.KindOf(err) != apierr.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput, got %v (%v)", apierr.KindOf(err), err)
	}
}
