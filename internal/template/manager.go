// Package template implements template environment resolution, access
// control and listing, adapted from the original
// isolationEngine/templateManager.py.
package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/namespace"
	"github.com/agentdiff/harness/internal/store"
)

// Reference identifies which template a caller wants, using the same
// four-path priority the original resolver used: an explicit template
// id wins outright; otherwise a test id resolves to that test's bound
// template; otherwise a (service, name) pair looks up the newest
// matching template; a raw source location with no prior template
// registers one on the fly.
type Reference struct {
	TemplateID *uuid.UUID
	TestID     *uuid.UUID
	Service    string
	Name       string
	RawSourceDSN string
}

// Manager resolves, creates and lists TemplateEnvironments.
type Manager struct {
	db *sqlx.DB
}

// New builds a Manager bound to db.
func New(db *sqlx.DB) *Manager {
	return &Manager{db: db}
}

// Resolve implements the four-path priority lookup described on
// Reference, returning apierr.NotFound when nothing matches.
func (m *Manager) Resolve(ctx context.Context, ref Reference, requesterID string) (*store.TemplateEnvironment, error) {
	switch {
	case ref.TemplateID != nil:
		return m.byID(ctx, *ref.TemplateID, requesterID)
	case ref.TestID != nil:
		return m.byTestID(ctx, *ref.TestID, requesterID)
	case ref.Service != "" && ref.Name != "":
		tmpl, err := m.byServiceName(ctx, ref.Service, ref.Name, requesterID)
		if apierr.KindOf(err) == apierr.KindNotFound && ref.RawSourceDSN != "" {
			return m.registerFromRawSource(ctx, ref, requesterID)
		}
		return tmpl, err
	case ref.RawSourceDSN != "":
		return m.registerFromRawSource(ctx, ref, requesterID)
	default:
		return nil, apierr.InvalidInput("at least one of template_id, test_id, or (service, name) must be provided")
	}
}

func (m *Manager) byID(ctx context.Context, id uuid.UUID, requesterID string) (*store.TemplateEnvironment, error) {
	var tmpl store.TemplateEnvironment
	err := m.db.GetContext(ctx, &tmpl, `SELECT * FROM template_environments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("template %s not found", id)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while loading template %s", id)
	}
	if err := m.checkAccess(tmpl, requesterID); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func (m *Manager) byTestID(ctx context.Context, testID uuid.UUID, requesterID string) (*store.TemplateEnvironment, error) {
	var tmpl store.TemplateEnvironment
	err := m.db.GetContext(ctx, &tmpl, `SELECT * FROM template_environments WHERE test_id = $1`, testID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("no template bound to test %s", testID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while loading template for test %s", testID)
	}
	if err := m.checkAccess(tmpl, requesterID); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// byServiceName returns the newest template for (service, name),
// deduplicating multiple historical versions the way the listing does.
func (m *Manager) byServiceName(ctx context.Context, service, name, requesterID string) (*store.TemplateEnvironment, error) {
	var tmpl store.TemplateEnvironment
	err := m.db.GetContext(ctx, &tmpl, `
		SELECT * FROM template_environments
		WHERE service = $1 AND name = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, service, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("no template named %s/%s", service, name)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while loading template %s/%s", service, name)
	}
	if err := m.checkAccess(tmpl, requesterID); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Register explicitly creates a new TemplateEnvironment from a raw
// source DSN, bypassing the lookup priority Resolve applies. Used by
// the seed-template command to onboard a service's template ahead of
// any run ever requesting it.
func (m *Manager) Register(ctx context.Context, service, name, rawSourceDSN, ownerID string) (*store.TemplateEnvironment, error) {
	return m.registerFromRawSource(ctx, Reference{Service: service, Name: name, RawSourceDSN: rawSourceDSN}, ownerID)
}

func (m *Manager) registerFromRawSource(ctx context.Context, ref Reference, requesterID string) (*store.TemplateEnvironment, error) {
	if ref.Service == "" || ref.Name == "" {
		return nil, apierr.InvalidInput("service and name are required to register a template from a raw source")
	}

	suffix, err := namespace.RandomSchemaSuffix()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while generating schema suffix for template %s/%s", ref.Service, ref.Name)
	}

	tmpl := store.TemplateEnvironment{
		ID:         uuid.New(),
		Service:    ref.Service,
		Name:       ref.Name,
		TestID:     ref.TestID,
		OwnerID:    requesterID,
		Visibility: "private",
		SourceDSN:  ref.RawSourceDSN,
		SchemaName: fmt.Sprintf("tmpl_%s", suffix),
	}

	_, err = m.db.NamedExecContext(ctx, `
		INSERT INTO template_environments
			(id, service, name, test_id, owner_id, visibility, source_dsn, schema_name, created_at, updated_at)
		VALUES
			(:id, :service, :name, :test_id, :owner_id, :visibility, :source_dsn, :schema_name, now(), now())
	`, tmpl)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while registering template %s/%s", ref.Service, ref.Name)
	}
	return &tmpl, nil
}

// checkAccess enforces that a private template is only visible to its
// owner; anything else (not_found vs unauthorized) would leak existence
// of the resource, so access failures come back as NotFound.
func (m *Manager) checkAccess(tmpl store.TemplateEnvironment, requesterID string) error {
	if tmpl.Visibility == "shared" || tmpl.OwnerID == requesterID {
		return nil
	}
	return apierr.NotFound("template %s not found", tmpl.ID)
}

// List returns templates visible to requesterID for a service,
// deduplicated by (service, name) keeping only the newest row per name.
func (m *Manager) List(ctx context.Context, service, requesterID string) ([]store.TemplateEnvironment, error) {
	var all []store.TemplateEnvironment
	err := m.db.SelectContext(ctx, &all, `
		SELECT * FROM template_environments
		WHERE service = $1 AND (visibility = 'shared' OR owner_id = $2)
		ORDER BY name, created_at DESC
	`, service, requesterID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while listing templates for %s", service)
	}

	seen := make(map[string]bool, len(all))
	deduped := make([]store.TemplateEnvironment, 0, len(all))
	for _, tmpl := range all {
		if seen[tmpl.Name] {
			continue
		}
		seen[tmpl.Name] = true
		deduped = append(deduped, tmpl)
	}
	return deduped, nil
}
