// Package replication implements change capture via a single global
// logical replication slot, adapted from the original
// evaluationEngine/replication.py. Rather than one slot per environment,
// a single worker goroutine polls one slot and routes each decoded
// change to the active run registered for its schema, avoiding both the
// slot-creation latency and the replication-slot count limit a
// per-environment scheme would hit.
package replication

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/config"
	"github.com/agentdiff/harness/internal/metrics"
	"github.com/agentdiff/harness/internal/platlog"
	"github.com/agentdiff/harness/internal/store"
)

// ActiveRun identifies which run a schema's changes should be routed to.
type ActiveRun struct {
	EnvironmentID uuid.UUID
	RunID         uuid.UUID
	Schema        string
}

// ChangeJournalWriter persists a single captured change as a
// ChangeJournal row.
type ChangeJournalWriter struct {
	db *sqlx.DB
}

// NewChangeJournalWriter builds a writer bound to db.
func NewChangeJournalWriter(db *sqlx.DB) *ChangeJournalWriter {
	return &ChangeJournalWriter{db: db}
}

// Write persists one captured change verbatim: no coalescing, no
// reordering, matching the Open Question decision to emit the journal
// exactly as received from the replication slot.
func (w *ChangeJournalWriter) Write(ctx context.Context, entry store.ChangeJournal) error {
	entry.ID = uuid.New()
	_, err := w.db.NamedExecContext(ctx, `
		INSERT INTO change_journal
			(id, environment_id, run_id, lsn, table_name, operation, primary_key, before, after, captured_at)
		VALUES
			(:id, :environment_id, :run_id, :lsn, :table_name, :operation, :primary_key, :before, :after, now())
	`, entry)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while writing change journal entry for run %s", entry.RunID)
	}
	metrics.JournalEntriesWritten.WithLabelValues("replication").Inc()
	return nil
}

// Service is the single-slot replication service: it owns the global
// worker goroutine and the schema -> ActiveRun routing table.
type Service struct {
	cfg    config.ReplicationConfig
	writer *ChangeJournalWriter

	mu         sync.Mutex
	activeRuns map[string]ActiveRun

	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewService builds a Service from cfg, writing captured changes through
// writer.
func NewService(cfg config.ReplicationConfig, writer *ChangeJournalWriter) *Service {
	return &Service{
		cfg:        cfg,
		writer:     writer,
		activeRuns: make(map[string]ActiveRun),
	}
}

// Start creates the global slot if needed and launches the worker
// goroutine. Safe to call once at process startup; subsequent calls are
// no-ops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.ensureSlot(ctx); err != nil {
		return err
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx)

	platlog.FromContext(ctx).Info("logical replication service started", "slot", s.cfg.SlotName)
	return nil
}

// Stop signals the worker goroutine and waits (bounded) for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
}

// StartStream registers a run to receive replication events captured for
// targetSchema. No slot is created per call; this purely updates the
// routing table.
func (s *Service) StartStream(environmentID, runID uuid.UUID, targetSchema string) (string, error) {
	if targetSchema == "" {
		return "", apierr.InvalidInput("target_schema is required to register a replication stream")
	}

	s.mu.Lock()
	s.activeRuns[targetSchema] = ActiveRun{EnvironmentID: environmentID, RunID: runID, Schema: targetSchema}
	metrics.ActiveRuns.Set(float64(len(s.activeRuns)))
	s.mu.Unlock()

	return s.cfg.SlotName, nil
}

// StopStream unregisters a run; it never drops the shared global slot.
func (s *Service) StopStream(runID uuid.UUID, targetSchema string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if targetSchema != "" {
		delete(s.activeRuns, targetSchema)
		metrics.ActiveRuns.Set(float64(len(s.activeRuns)))
		return
	}
	for schema, run := range s.activeRuns {
		if run.RunID == runID {
			delete(s.activeRuns, schema)
		}
	}
	metrics.ActiveRuns.Set(float64(len(s.activeRuns)))
}

// CleanupEnvironment removes every run registration belonging to
// environmentID, used when a runtime environment is torn down.
func (s *Service) CleanupEnvironment(environmentID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for schema, run := range s.activeRuns {
		if run.EnvironmentID == environmentID {
			delete(s.activeRuns, schema)
		}
	}
}

// IsRunning reports whether the worker goroutine is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Plugin returns the configured logical-decoding output plugin name, so
// callers recording which plugin decoded a run's replication-sourced
// diff don't need their own copy of the replication config.
func (s *Service) Plugin() string { return s.cfg.Plugin }

func (s *Service) ensureSlot(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DSN)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while opening replication connection")
	}
	defer db.Close()

	contextLogger := platlog.FromContext(ctx)

	var exists int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM pg_replication_slots WHERE slot_name = $1`, s.cfg.SlotName).Scan(&exists)
	if err == nil {
		contextLogger.Info("global replication slot already exists", "slot", s.cfg.SlotName)
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return apierr.Wrap(apierr.KindInternal, err, "while checking for replication slot %s", s.cfg.SlotName)
	}

	t0 := time.Now()
	_, err = db.ExecContext(ctx, `SELECT pg_create_logical_replication_slot($1, $2)`, s.cfg.SlotName, s.cfg.Plugin)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while creating replication slot %s", s.cfg.SlotName)
	}
	contextLogger.Info("created global replication slot", "slot", s.cfg.SlotName, "elapsed_ms", time.Since(t0).Milliseconds())
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	contextLogger := platlog.FromContext(ctx).WithName("replication-global")
	contextLogger.Info("global replication worker started", "slot", s.cfg.SlotName)

	db, err := sql.Open("postgres", s.cfg.DSN)
	if err != nil {
		contextLogger.Error(err, "failed to open replication connection")
		return
	}
	defer db.Close()

	for {
		select {
		case <-s.stop:
			contextLogger.Info("global replication worker stopped")
			return
		default:
		}

		hasChanges, err := s.pollChanges(ctx, db, contextLogger)
		if err != nil {
			contextLogger.Error(err, "global replication worker poll failed")
		}
		if !hasChanges {
			select {
			case <-s.stop:
				return
			case <-time.After(s.cfg.PollInterval):
			}
		}
	}
}

// pollChanges pulls up to cfg.BatchSize changes from the slot and routes
// each to its active run, if any.
func (s *Service) pollChanges(ctx context.Context, db *sql.DB, contextLogger platlog.Logger) (bool, error) {
	query, args := buildPollQuery(s.cfg)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		if isUndefinedObject(err) {
			contextLogger.Debug("slot does not exist yet", "slot", s.cfg.SlotName)
			return false, nil
		}
		return false, apierr.Wrap(apierr.KindServiceUnavailable, err, "while polling replication slot %s", s.cfg.SlotName)
	}
	defer rows.Close()

	type record struct {
		lsn  string
		data string
	}
	var records []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.lsn, &r.data); err != nil {
			return false, apierr.Wrap(apierr.KindInternal, err, "while scanning replication change row")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return false, apierr.Wrap(apierr.KindInternal, err, "while iterating replication changes")
	}
	if len(records) == 0 {
		return false, nil
	}

	s.mu.Lock()
	activeSnapshot := make(map[string]ActiveRun, len(s.activeRuns))
	for k, v := range s.activeRuns {
		activeSnapshot[k] = v
	}
	s.mu.Unlock()

	for _, r := range records {
		var payload wal2jsonPayload
		if err := json.Unmarshal([]byte(r.data), &payload); err != nil {
			contextLogger.Warning("failed to decode logical change payload", "error", err.Error())
			continue
		}

		for _, change := range payload.Change {
			s.routeChange(ctx, r.lsn, change, activeSnapshot, contextLogger)
		}
	}
	return true, nil
}

func (s *Service) routeChange(
	ctx context.Context, lsn string, change wal2jsonChange,
	activeSnapshot map[string]ActiveRun, contextLogger platlog.Logger,
) {
	if change.Table == "" {
		return
	}
	schema := change.Schema
	if schema == "" {
		schema = "public"
	}

	run, ok := activeSnapshot[schema]
	if !ok {
		return
	}

	contextLogger.Debug("captured change", "schema", schema, "table", change.Table, "operation", change.Kind)

	before := zipColumns(change.OldKeys.KeyNames, change.OldKeys.KeyValues)
	after := zipColumns(change.ColumnNames, change.ColumnValues)
	primaryKey := primaryKeyFromChange(change, before, after)

	entry := store.ChangeJournal{
		EnvironmentID: run.EnvironmentID,
		RunID:         run.RunID,
		LSN:           lsn,
		TableName:     change.Table,
		Operation:     change.Kind,
	}
	entry.PrimaryKey, _ = json.Marshal(primaryKey)
	if change.Kind == "update" || change.Kind == "delete" {
		entry.Before, _ = json.Marshal(before)
	}
	if change.Kind == "insert" || change.Kind == "update" {
		entry.After, _ = json.Marshal(after)
	}

	if err := s.writer.Write(ctx, entry); err != nil {
		contextLogger.Error(err, "failed to write change journal entry", "table", change.Table)
	}
}

func zipColumns(names []string, values []any) map[string]any {
	if len(names) == 0 || len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(names))
	for i, name := range names {
		if i < len(values) {
			out[name] = values[i]
		}
	}
	return out
}

func primaryKeyFromChange(change wal2jsonChange, before, after map[string]any) map[string]any {
	if before != nil && (change.Kind == "update" || change.Kind == "delete") {
		return before
	}
	if after != nil {
		return after
	}
	if pk := zipColumns(change.OldKeys.KeyNames, change.OldKeys.KeyValues); pk != nil {
		return pk
	}
	return map[string]any{}
}

// buildPollQuery constructs the pg_logical_slot_get_changes call with the
// configured batch size and merged plugin options (wal2json defaults
// plus any caller overrides), matching _build_plugin_options.
func buildPollQuery(cfg config.ReplicationConfig) (string, []any) {
	defaults := map[string]string{
		"include-lsn":         "true",
		"include-timestamp":   "true",
		"include-schemas":     "true",
		"include-types":       "true",
		"include-transaction": "false",
	}
	for k, v := range cfg.PluginOptions {
		defaults[k] = v
	}

	args := []any{cfg.SlotName, cfg.BatchSize}
	placeholders := "$1, NULL, $2"
	i := 3
	for k, v := range defaults {
		placeholders += fmt.Sprintf(", $%d, $%d", i, i+1)
		args = append(args, k, v)
		i += 2
	}

	query := fmt.Sprintf(`SELECT lsn, data FROM pg_logical_slot_get_changes(%s)`, placeholders)
	return query, args
}

func isUndefinedObject(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42704"
	}
	return false
}

// wal2jsonPayload and wal2jsonChange model the subset of the wal2json
// output plugin's JSON structure the worker consumes.
type wal2jsonPayload struct {
	Change []wal2jsonChange `json:"change"`
}

type wal2jsonChange struct {
	Kind         string         `json:"kind"`
	Schema       string         `json:"schema"`
	Table        string         `json:"table"`
	ColumnNames  []string       `json:"columnnames"`
	ColumnValues []any          `json:"columnvalues"`
	OldKeys      wal2jsonOldKeys `json:"oldkeys"`
}

type wal2jsonOldKeys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}
