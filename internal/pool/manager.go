// Package pool implements the warm-namespace pool: claiming a ready
// EnvironmentPoolEntry (or cloning on demand when the pool is empty),
// releasing it back as dirty after a run, refreshing dirty entries back
// to ready, and a background refill loop that keeps each template's pool
// at its configured target size.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron"
	"github.com/thoas/go-funk"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/metrics"
	"github.com/agentdiff/harness/internal/namespace"
	"github.com/agentdiff/harness/internal/platlog"
	"github.com/agentdiff/harness/internal/store"
)

// Manager claims, releases and refills EnvironmentPoolEntry rows.
type Manager struct {
	db         *sqlx.DB
	ns         *namespace.Handler
	targetSize int

	cron *cron.Cron
}

// New builds a Manager that keeps targetSize ready entries per template.
func New(db *sqlx.DB, ns *namespace.Handler, targetSize int) *Manager {
	return &Manager{db: db, ns: ns, targetSize: targetSize, cron: cron.New()}
}

// Claim atomically transitions one ready pool entry for templateID into
// in_use and returns the RuntimeEnvironment backed by it. If no ready
// entry exists, it falls back to cloning the template on demand so a
// caller is never blocked on the background refill loop.
func (m *Manager) Claim(ctx context.Context, templateID uuid.UUID, claimedBy string) (*store.RuntimeEnvironment, error) {
	contextLogger := platlog.FromContext(ctx).WithValues("template_id", templateID)

	entry, err := m.claimReadyEntry(ctx, templateID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while claiming pool entry for template %s", templateID)
	}

	if entry == nil {
		contextLogger.Info("pool empty, cloning on demand")
		entry, err = m.cloneOnDemand(ctx, templateID)
		if err != nil {
			return nil, err
		}
	}

	env := store.RuntimeEnvironment{
		ID:          uuid.New(),
		TemplateID:  templateID,
		SchemaName:  entry.SchemaName,
		State:       store.StateInUse,
		ClaimedBy:   &claimedBy,
		PoolEntryID: &entry.ID,
	}
	_, err = m.db.NamedExecContext(ctx, `
		INSERT INTO runtime_environments
			(id, template_id, schema_name, state, claimed_by, pool_entry_id, created_at, updated_at)
		VALUES
			(:id, :template_id, :schema_name, :state, :claimed_by, :pool_entry_id, now(), now())
	`, env)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while registering runtime environment for template %s", templateID)
	}

	go m.ensureTarget(context.WithoutCancel(ctx), templateID)

	return &env, nil
}

// claimReadyEntry performs an atomic claim via UPDATE ... WHERE state =
// 'ready' ... RETURNING, the single-statement equivalent of a SELECT ...
// FOR UPDATE SKIP LOCKED claim, safe under concurrent claimers.
func (m *Manager) claimReadyEntry(ctx context.Context, templateID uuid.UUID) (*store.EnvironmentPoolEntry, error) {
	var entry store.EnvironmentPoolEntry
	err := m.db.GetContext(ctx, &entry, `
		UPDATE environment_pool_entries
		SET state = 'in_use', updated_at = now()
		WHERE id = (
			SELECT id FROM environment_pool_entries
			WHERE template_id = $1 AND state = 'ready'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *
	`, templateID)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (m *Manager) cloneOnDemand(ctx context.Context, templateID uuid.UUID) (*store.EnvironmentPoolEntry, error) {
	var tmpl store.TemplateEnvironment
	if err := m.db.GetContext(ctx, &tmpl, `SELECT * FROM template_environments WHERE id = $1`, templateID); err != nil {
		return nil, apierr.Wrap(apierr.KindNotFound, err, "while loading template %s for on-demand clone", templateID)
	}

	suffix, err := namespace.RandomSchemaSuffix()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while generating schema suffix for template %s", templateID)
	}

	entry := store.EnvironmentPoolEntry{
		ID:         uuid.New(),
		TemplateID: templateID,
		SchemaName: fmt.Sprintf("run_%s", suffix),
		State:      store.StateInUse,
	}

	if err := m.ns.Clone(ctx, tmpl.SchemaName, entry.SchemaName); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while cloning namespace for template %s", templateID)
	}

	_, err = m.db.NamedExecContext(ctx, `
		INSERT INTO environment_pool_entries (id, template_id, schema_name, state, created_at, updated_at)
		VALUES (:id, :template_id, :schema_name, :state, now(), now())
	`, entry)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while recording on-demand pool entry for template %s", templateID)
	}

	return &entry, nil
}

// Release marks a runtime environment's backing pool entry dirty,
// scheduling it for refresh, once the run that claimed it is done.
func (m *Manager) Release(ctx context.Context, env store.RuntimeEnvironment) error {
	if env.PoolEntryID == nil {
		return nil
	}
	_, err := m.db.ExecContext(ctx, `
		UPDATE environment_pool_entries SET state = 'dirty', updated_at = now() WHERE id = $1
	`, *env.PoolEntryID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while marking pool entry %s dirty", *env.PoolEntryID)
	}
	return nil
}

// Refresh drops and reclones a dirty pool entry's schema, restoring it to
// ready. If the template lookup, the drop or the clone fails, the entry
// is quarantined at once; the refresh is not retried.
func (m *Manager) Refresh(ctx context.Context, entryID uuid.UUID) error {
	contextLogger := platlog.FromContext(ctx).WithValues("pool_entry_id", entryID)

	var entry store.EnvironmentPoolEntry
	if err := m.db.GetContext(ctx, &entry, `SELECT * FROM environment_pool_entries WHERE id = $1`, entryID); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while loading pool entry %s", entryID)
	}

	_, err := m.db.ExecContext(ctx, `
		UPDATE environment_pool_entries SET state = 'refreshing', updated_at = now() WHERE id = $1
	`, entryID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while marking pool entry %s refreshing", entryID)
	}

	var tmpl store.TemplateEnvironment
	if err := m.db.GetContext(ctx, &tmpl, `SELECT * FROM template_environments WHERE id = $1`, entry.TemplateID); err != nil {
		return m.quarantine(ctx, entryID, err)
	}

	if err := m.ns.Drop(ctx, entry.SchemaName); err != nil {
		return m.quarantine(ctx, entryID, err)
	}
	if err := m.ns.Clone(ctx, tmpl.SchemaName, entry.SchemaName); err != nil {
		return m.quarantine(ctx, entryID, err)
	}

	_, err = m.db.ExecContext(ctx, `
		UPDATE environment_pool_entries SET state = 'ready', updated_at = now() WHERE id = $1
	`, entryID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while marking pool entry %s ready", entryID)
	}

	contextLogger.Info("refreshed pool entry")
	return nil
}

func (m *Manager) quarantine(ctx context.Context, entryID uuid.UUID, cause error) error {
	platlog.FromContext(ctx).Error(cause, "quarantining pool entry after refresh failure", "pool_entry_id", entryID)
	_, err := m.db.ExecContext(ctx, `
		UPDATE environment_pool_entries SET state = 'quarantined', updated_at = now() WHERE id = $1
	`, entryID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while quarantining pool entry %s", entryID)
	}
	return apierr.Wrap(apierr.KindInternal, cause, "pool entry %s quarantined after refresh failure", entryID)
}

// EnsureTarget tops up templateID's ready pool entries to the configured
// target size, idempotent to call repeatedly: it only creates the
// shortfall, never tears down surplus entries.
func (m *Manager) EnsureTarget(ctx context.Context, templateID uuid.UUID) error {
	return m.ensureTarget(ctx, templateID)
}

func (m *Manager) ensureTarget(ctx context.Context, templateID uuid.UUID) error {
	var ready int
	if err := m.db.GetContext(ctx, &ready, `
		SELECT count(*) FROM environment_pool_entries WHERE template_id = $1 AND state = 'ready'
	`, templateID); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while counting ready pool entries for template %s", templateID)
	}

	shortfall := poolRefillTick(m.targetSize, ready)
	if shortfall <= 0 {
		metrics.PoolReadyEntries.WithLabelValues(templateID.String()).Set(float64(ready))
		return nil
	}

	contextLogger := platlog.FromContext(ctx).WithValues("template_id", templateID)
	for i := 0; i < shortfall; i++ {
		if _, err := m.cloneOnDemandReady(ctx, templateID); err != nil {
			contextLogger.Error(err, "while refilling pool entry")
			return err
		}
	}
	contextLogger.Info("refilled pool", "created", shortfall)
	metrics.PoolReadyEntries.WithLabelValues(templateID.String()).Set(float64(ready + shortfall))
	return nil
}

func (m *Manager) cloneOnDemandReady(ctx context.Context, templateID uuid.UUID) (*store.EnvironmentPoolEntry, error) {
	var tmpl store.TemplateEnvironment
	if err := m.db.GetContext(ctx, &tmpl, `SELECT * FROM template_environments WHERE id = $1`, templateID); err != nil {
		return nil, apierr.Wrap(apierr.KindNotFound, err, "while loading template %s for pool refill", templateID)
	}

	suffix, err := namespace.RandomSchemaSuffix()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while generating schema suffix for template %s", templateID)
	}

	entry := store.EnvironmentPoolEntry{
		ID:         uuid.New(),
		TemplateID: templateID,
		SchemaName: fmt.Sprintf("pool_%s", suffix),
		State:      store.StateReady,
	}
	if err := m.ns.Clone(ctx, tmpl.SchemaName, entry.SchemaName); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while cloning namespace for pool refill of template %s", templateID)
	}

	_, err = m.db.NamedExecContext(ctx, `
		INSERT INTO environment_pool_entries (id, template_id, schema_name, state, created_at, updated_at)
		VALUES (:id, :template_id, :schema_name, :state, now(), now())
	`, entry)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while recording refilled pool entry for template %s", templateID)
	}
	return &entry, nil
}

// StartBackgroundRefill schedules a periodic sweep over every known
// template, calling ensureTarget and Refresh for dirty entries. spec is
// parsed by robfig/cron's default parser: a six-field cron expression
// whose first field is seconds, or a descriptor such as the "@every"
// spec the serve command builds from its configured refill interval.
func (m *Manager) StartBackgroundRefill(ctx context.Context, spec string) error {
	contextLogger := platlog.FromContext(ctx).WithName("pool-refill")

	err := m.cron.AddFunc(spec, func() {
		if err := m.sweep(ctx); err != nil {
			contextLogger.Error(err, "pool refill sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("while scheduling pool refill sweep %q: %w", spec, err)
	}

	m.cron.Start()
	contextLogger.Info("background pool refill started", "schedule", spec)
	return nil
}

// StopBackgroundRefill stops the cron scheduler, waiting for any in-flight
// sweep to finish.
func (m *Manager) StopBackgroundRefill() {
	m.cron.Stop()
}

func (m *Manager) sweep(ctx context.Context) error {
	var templateIDs []uuid.UUID
	if err := m.db.SelectContext(ctx, &templateIDs, `SELECT id FROM template_environments`); err != nil {
		return fmt.Errorf("while listing templates for pool sweep: %w", err)
	}
	for _, id := range templateIDs {
		if err := m.ensureTarget(ctx, id); err != nil {
			return err
		}
	}

	var dirtyIDs []uuid.UUID
	if err := m.db.SelectContext(ctx, &dirtyIDs, `
		SELECT id FROM environment_pool_entries WHERE state = 'dirty'
	`); err != nil {
		return fmt.Errorf("while listing dirty pool entries: %w", err)
	}
	if len(dirtyIDs) > 0 {
		ids := funk.Map(dirtyIDs, func(id uuid.UUID) string { return id.String() })
		platlog.FromContext(ctx).Info("refreshing dirty pool entries", "pool_entry_ids", ids)
	}
	for _, id := range dirtyIDs {
		if err := m.Refresh(ctx, id); err != nil {
			platlog.FromContext(ctx).Error(err, "failed to refresh dirty pool entry", "pool_entry_id", id)
		}
	}

	return nil
}

// poolRefillTick is a small helper exposed for tests that want to verify
// the shortfall arithmetic without a real cron schedule.
func poolRefillTick(targetSize, ready int) int {
	if d := targetSize - ready; d > 0 {
		return d
	}
	return 0
}
