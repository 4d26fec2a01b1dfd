// Package orchestrator sequences a test run's lifecycle: startRun pins a
// capture mechanism (snapshot "before" stage or a replication
// registration) and endRun completes capture, computes the diff, runs
// the assertion engine and persists the result. Grounded on the run
// orchestrator pseudocode.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/assertion"
	"github.com/agentdiff/harness/internal/dsl"
	"github.com/agentdiff/harness/internal/metrics"
	"github.com/agentdiff/harness/internal/platlog"
	"github.com/agentdiff/harness/internal/replication"
	"github.com/agentdiff/harness/internal/snapshot"
	"github.com/agentdiff/harness/internal/store"
)

// CaptureMode selects which change-capture mechanism a run uses.
type CaptureMode string

const (
	CaptureSnapshot    CaptureMode = "snapshot"
	CaptureReplication CaptureMode = "replication"
)

// Orchestrator drives startRun/endRun for a runtime environment.
type Orchestrator struct {
	db       *sqlx.DB
	differ   *snapshot.Differ
	repl     *replication.Service
	dslc     *dsl.Compiler
	assertor *assertion.Engine
}

// New builds an Orchestrator wired to its collaborators.
func New(db *sqlx.DB, differ *snapshot.Differ, repl *replication.Service, dslc *dsl.Compiler) *Orchestrator {
	return &Orchestrator{db: db, differ: differ, repl: repl, dslc: dslc, assertor: assertion.New()}
}

// StartRun resolves envID, checks the caller's claim on it, begins
// change capture, and persists the run's own TestRun row so the rest of
// its lifecycle (endRun, evaluateRun, diffRun) can be recovered purely
// from runID.
func (o *Orchestrator) StartRun(
	ctx context.Context, envID uuid.UUID, testID, suiteID *uuid.UUID, principalID string, mode CaptureMode,
) (uuid.UUID, error) {
	env, err := o.loadEnvironment(ctx, envID)
	if err != nil {
		return uuid.Nil, err
	}
	if err := requireEnvironmentAccess(env, principalID); err != nil {
		return uuid.Nil, err
	}
	if testID == nil && suiteID == nil {
		return uuid.Nil, apierr.InvalidInput("one of test_id or suite_id is required to start a run")
	}

	runID := uuid.New()
	contextLogger := platlog.FromContext(ctx).WithValues("run_id", runID, "environment_id", env.ID, "mode", mode)

	run := store.TestRun{
		ID:            runID,
		TestID:        testID,
		SuiteID:       suiteID,
		EnvironmentID: env.ID,
		Status:        store.RunRunning,
		CreatedBy:     principalID,
		StartedAt:     time.Now(),
	}

	switch mode {
	case CaptureSnapshot:
		if err := o.differ.CreateSnapshot(ctx, env.ID, runID, env.SchemaName, snapshot.StageBefore); err != nil {
			return uuid.Nil, err
		}
		suffix := runID.String()
		run.BeforeSnapshotSuffix = &suffix

	case CaptureReplication:
		slot, err := o.repl.StartStream(env.ID, runID, env.SchemaName)
		if err != nil {
			return uuid.Nil, err
		}
		plugin := o.repl.Plugin()
		startedAt := time.Now()
		run.ReplicationSlotName = &slot
		run.ReplicationPlugin = &plugin
		run.ReplicationStartedAt = &startedAt

	default:
		return uuid.Nil, apierr.InvalidInput("unknown capture mode %q", mode)
	}

	if err := o.insertTestRun(ctx, run); err != nil {
		return uuid.Nil, err
	}

	contextLogger.Info("run started")
	return runID, nil
}

// EndRun completes change capture for runID, computes the diff,
// evaluates a spec against it and persists both the diff and the
// TestRun's final result. The capture mechanism is recovered from the
// run's own persisted state (before_snapshot_suffix vs
// replication_slot_name) rather than trusted from the caller, so a run
// started in one mode cannot silently be ended as if it were the other.
// overrideSpec, when non-nil, replaces the bound test's assertion spec;
// a suite-only run (no bound test) requires one.
func (o *Orchestrator) EndRun(
	ctx context.Context, runID uuid.UUID, principalID string, overrideSpec map[string]any,
) (*assertion.Report, error) {
	run, err := o.lookupRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(run, principalID); err != nil {
		return nil, err
	}

	env, err := o.loadEnvironment(ctx, run.EnvironmentID)
	if err != nil {
		return nil, err
	}

	spec := overrideSpec
	if spec == nil {
		spec, err = o.loadTestSpec(ctx, run)
		if err != nil {
			return nil, err
		}
	}

	contextLogger := platlog.FromContext(ctx).WithValues("run_id", runID, "environment_id", env.ID)

	var tables map[string]store.TableDiff
	var source string
	var afterSuffix *string

	switch {
	case run.BeforeSnapshotSuffix != nil:
		if err := o.differ.CreateSnapshot(ctx, env.ID, runID, env.SchemaName, snapshot.StageAfter); err != nil {
			return nil, err
		}
		diffed, err := o.differ.Diff(ctx, runID, env.SchemaName)
		if err != nil {
			return nil, err
		}
		tables = diffed
		source = "snapshot"
		suffix := runID.String()
		afterSuffix = &suffix

		if err := o.differ.ArchiveSnapshots(ctx, runID, env.SchemaName); err != nil {
			contextLogger.Error(err, "failed to archive snapshot tables after diff")
		}

	case run.ReplicationSlotName != nil:
		o.repl.StopStream(runID, env.SchemaName)
		drained, err := o.drainJournal(ctx, runID)
		if err != nil {
			return nil, err
		}
		tables = drained
		source = "replication"

	default:
		return nil, apierr.Internal("run %s was never started with a capture mechanism", runID)
	}

	if err := o.persistDiff(ctx, env.ID, runID, source, tables); err != nil {
		return nil, err
	}

	compiled, err := o.dslc.Compile(spec)
	if err != nil {
		return nil, err
	}
	report := o.assertor.Evaluate(compiled, tables)

	if err := o.updateTestRunResult(ctx, runID, report, afterSuffix); err != nil {
		return nil, err
	}

	contextLogger.Info("run ended", "score", report.Score, "passed", report.Passed)
	return &report, nil
}

// Diff returns the persisted diff tables for runID, restricted to the
// run's own creator.
func (o *Orchestrator) Diff(ctx context.Context, runID uuid.UUID, principalID string) (json.RawMessage, error) {
	run, err := o.lookupRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(run, principalID); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	err = o.db.GetContext(ctx, &raw, `SELECT tables FROM diffs WHERE run_id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("diff for run %s not found", runID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while loading diff for run %s", runID)
	}
	return raw, nil
}

// Evaluate re-runs assertion evaluation against a run's already-captured
// diff, updating the same TestRun row rather than recapturing change
// data. Lets a caller try a different assertion spec against the same
// observed state — useful when a test author is iterating on
// assertions without wanting to re-execute the agent under test.
func (o *Orchestrator) Evaluate(ctx context.Context, runID uuid.UUID, principalID string, spec map[string]any) (*assertion.Report, error) {
	run, err := o.lookupRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(run, principalID); err != nil {
		return nil, err
	}

	var row struct {
		Tables json.RawMessage `db:"tables"`
	}
	err = o.db.GetContext(ctx, &row, `SELECT tables FROM diffs WHERE run_id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("diff for run %s not found", runID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while loading diff for run %s", runID)
	}

	var tables map[string]store.TableDiff
	if err := json.Unmarshal(row.Tables, &tables); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while decoding diff for run %s", runID)
	}

	compiled, err := o.dslc.Compile(spec)
	if err != nil {
		return nil, err
	}
	report := o.assertor.Evaluate(compiled, tables)

	if err := o.updateTestRunResult(ctx, runID, report, nil); err != nil {
		return nil, err
	}

	platlog.FromContext(ctx).WithValues("run_id", runID).
		Info("run re-evaluated", "score", report.Score, "passed", report.Passed)
	return &report, nil
}

// drainJournal reads every ChangeJournal row for runID, in capture
// order, and folds them into the same TableDiff shape the snapshot
// differ produces so the assertion engine is capture-mechanism agnostic.
func (o *Orchestrator) drainJournal(ctx context.Context, runID uuid.UUID) (map[string]store.TableDiff, error) {
	var entries []store.ChangeJournal
	err := o.db.SelectContext(ctx, &entries, `
		SELECT * FROM change_journal WHERE run_id = $1 ORDER BY captured_at, lsn
	`, runID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while draining change journal for run %s", runID)
	}

	return foldJournalEntries(entries), nil
}

// foldJournalEntries folds a capture-ordered list of ChangeJournal rows
// into the per-table insert/update/delete shape the assertion engine
// consumes, kept separate from drainJournal so it can be exercised
// without a database.
func foldJournalEntries(entries []store.ChangeJournal) map[string]store.TableDiff {
	result := map[string]store.TableDiff{}
	for _, entry := range entries {
		td := result[entry.TableName]

		var pk, before, after map[string]any
		_ = json.Unmarshal(entry.PrimaryKey, &pk)
		if len(entry.Before) > 0 {
			_ = json.Unmarshal(entry.Before, &before)
		}
		if len(entry.After) > 0 {
			_ = json.Unmarshal(entry.After, &after)
		}

		change := store.RowChange{PrimaryKey: pk, Before: before, After: after}
		switch entry.Operation {
		case "insert":
			td.Inserted = append(td.Inserted, change)
		case "update":
			td.Updated = append(td.Updated, change)
		case "delete":
			td.Deleted = append(td.Deleted, change)
		}
		result[entry.TableName] = td
	}
	return result
}

func (o *Orchestrator) persistDiff(ctx context.Context, environmentID, runID uuid.UUID, source string, tables map[string]store.TableDiff) error {
	payload, err := json.Marshal(tables)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while serializing diff for run %s", runID)
	}

	_, err = o.db.ExecContext(ctx, `
		INSERT INTO diffs (id, environment_id, run_id, source, tables, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (run_id) DO UPDATE SET tables = EXCLUDED.tables, source = EXCLUDED.source
	`, uuid.New(), environmentID, runID, source, payload)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while persisting diff for run %s", runID)
	}
	if source == "snapshot" {
		rowCount := 0
		for _, t := range tables {
			rowCount += len(t.Inserted) + len(t.Updated) + len(t.Deleted)
		}
		metrics.JournalEntriesWritten.WithLabelValues(source).Add(float64(rowCount))
	}
	return nil
}

func (o *Orchestrator) loadEnvironment(ctx context.Context, id uuid.UUID) (*store.RuntimeEnvironment, error) {
	var env store.RuntimeEnvironment
	err := o.db.GetContext(ctx, &env, `SELECT * FROM runtime_environments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("environment %s not found", id)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while loading environment %s", id)
	}
	return &env, nil
}

// requireEnvironmentAccess enforces that only the principal that claimed
// a runtime environment can start runs against it; a mismatch is
// reported as NotFound rather than Unauthorized to avoid leaking the
// environment's existence, mirroring template.Manager.checkAccess.
func requireEnvironmentAccess(env *store.RuntimeEnvironment, principalID string) error {
	if env.ClaimedBy != nil && *env.ClaimedBy == principalID {
		return nil
	}
	return apierr.NotFound("environment %s not found", env.ID)
}

func (o *Orchestrator) lookupRun(ctx context.Context, runID uuid.UUID) (*store.TestRun, error) {
	var run store.TestRun
	err := o.db.GetContext(ctx, &run, `SELECT * FROM test_runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("test run %s not found", runID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while loading test run %s", runID)
	}
	return &run, nil
}

// requireAccess enforces that only a TestRun's own creator can end,
// evaluate or read it back, collapsing access failures into NotFound for
// the same existence-leak reason as requireEnvironmentAccess.
func requireAccess(run *store.TestRun, principalID string) error {
	if run.CreatedBy == principalID {
		return nil
	}
	return apierr.NotFound("test run %s not found", run.ID)
}

// loadTestSpec resolves the assertion spec a run was bound to at
// startRun time. A suite-only run (no bound test) has no single spec to
// fall back to, so ending it without an explicit spec is an error.
func (o *Orchestrator) loadTestSpec(ctx context.Context, run *store.TestRun) (map[string]any, error) {
	if run.TestID == nil {
		return nil, apierr.InvalidInput("run %s has no bound test; a suite-only run requires an explicit spec to end", run.ID)
	}

	var raw json.RawMessage
	err := o.db.GetContext(ctx, &raw, `SELECT dsl FROM tests WHERE id = $1`, *run.TestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("test %s not found", *run.TestID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while loading test %s", *run.TestID)
	}

	var spec map[string]any
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while decoding assertion spec for test %s", *run.TestID)
	}
	return spec, nil
}

func (o *Orchestrator) insertTestRun(ctx context.Context, run store.TestRun) error {
	_, err := o.db.NamedExecContext(ctx, `
		INSERT INTO test_runs
			(id, test_id, suite_id, environment_id, status, score, passed, results,
			 before_snapshot_suffix, replication_slot_name, replication_plugin, replication_started_at,
			 created_by, started_at)
		VALUES
			(:id, :test_id, :suite_id, :environment_id, :status, 0, false, '{}'::jsonb,
			 :before_snapshot_suffix, :replication_slot_name, :replication_plugin, :replication_started_at,
			 :created_by, :started_at)
	`, run)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while persisting test run %s", run.ID)
	}
	return nil
}

func (o *Orchestrator) updateTestRunResult(ctx context.Context, runID uuid.UUID, report assertion.Report, afterSnapshotSuffix *string) error {
	results, err := json.Marshal(report.Results)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while serializing test run results")
	}

	status := store.RunFailed
	if report.Passed {
		status = store.RunPassed
	}

	_, err = o.db.ExecContext(ctx, `
		UPDATE test_runs
		SET status = $2, score = $3, passed = $4, results = $5,
		    after_snapshot_suffix = COALESCE($6, after_snapshot_suffix), finished_at = now()
		WHERE id = $1
	`, runID, status, report.Score, report.Passed, results, afterSnapshotSuffix)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while updating test run %s", runID)
	}
	return nil
}
