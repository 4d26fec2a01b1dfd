package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/dsl"
	"github.com/agentdiff/harness/internal/namespace"
	"github.com/agentdiff/harness/internal/orchestrator"
	"github.com/agentdiff/harness/internal/pool"
	"github.com/agentdiff/harness/internal/store"
	"github.com/agentdiff/harness/internal/template"
)

// Handlers groups every platform HTTP handler, bound to its
// collaborators. All platform routes are mounted flat under
// /api/platform; per-run and per-environment identifiers travel in the
// request body rather than the URL, since the orchestrator itself
// resolves and access-checks them from persisted state.
type Handlers struct {
	db           *sqlx.DB
	templates    *template.Manager
	pools        *pool.Manager
	namespaces   *namespace.Handler
	orchestrator *orchestrator.Orchestrator
	dslc         *dsl.Compiler
}

// NewHandlers builds a Handlers bound to its collaborators.
func NewHandlers(
	db *sqlx.DB,
	templates *template.Manager,
	pools *pool.Manager,
	namespaces *namespace.Handler,
	orch *orchestrator.Orchestrator,
	dslc *dsl.Compiler,
) *Handlers {
	return &Handlers{db: db, templates: templates, pools: pools, namespaces: namespaces, orchestrator: orch, dslc: dslc}
}

// Health reports process liveness; it never touches the database so it
// stays cheap for load balancer probes.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type initEnvRequest struct {
	TemplateID *uuid.UUID `json:"template_id"`
	TestID     *uuid.UUID `json:"test_id"`
	Service    string     `json:"service"`
	Name       string     `json:"name"`
}

// InitEnv resolves a template reference and claims a runtime environment
// from its pool.
func (h *Handlers) InitEnv(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	var req initEnvRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.InvalidInput("malformed request body: %v", err))
		return
	}

	tmpl, err := h.templates.Resolve(r.Context(), template.Reference{
		TemplateID: req.TemplateID,
		TestID:     req.TestID,
		Service:    req.Service,
		Name:       req.Name,
	}, principal.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	env, err := h.pools.Claim(r.Context(), tmpl.ID, principal.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, env)
}

type startRunRequest struct {
	EnvID   uuid.UUID                `json:"env_id"`
	TestID  *uuid.UUID               `json:"test_id"`
	SuiteID *uuid.UUID               `json:"test_suite_id"`
	Mode    orchestrator.CaptureMode `json:"mode"`
}

// StartRun begins change capture for a runtime environment.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.InvalidInput("malformed request body: %v", err))
		return
	}
	if req.Mode == "" {
		req.Mode = orchestrator.CaptureSnapshot
	}

	runID, err := h.orchestrator.StartRun(r.Context(), req.EnvID, req.TestID, req.SuiteID, principal.UserID, req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"run_id": runID, "status": "running"})
}

type endRunRequest struct {
	RunID          uuid.UUID      `json:"run_id"`
	ExpectedOutput map[string]any `json:"expected_output"`
}

// EndRun completes change capture, evaluates the test spec and returns
// the resulting report.
func (h *Handlers) EndRun(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	var req endRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.InvalidInput("malformed request body: %v", err))
		return
	}

	report, err := h.orchestrator.EndRun(r.Context(), req.RunID, principal.UserID, req.ExpectedOutput)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": req.RunID,
		"status": runStatus(report.Passed),
		"passed": report.Passed,
		"score":  report.Score,
		"report": report,
	})
}

func runStatus(passed bool) string {
	if passed {
		return string(store.RunPassed)
	}
	return string(store.RunFailed)
}

type diffRunRequest struct {
	RunID uuid.UUID `json:"run_id"`
}

// DiffRun returns the persisted diff for a run, scoped to its creator.
func (h *Handlers) DiffRun(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	var req diffRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.InvalidInput("malformed request body: %v", err))
		return
	}

	raw, err := h.orchestrator.Diff(r.Context(), req.RunID, principal.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type evaluateRunRequest struct {
	RunID uuid.UUID      `json:"run_id"`
	Spec  map[string]any `json:"spec"`
}

// EvaluateRun re-runs assertion evaluation for an already-captured run's
// diff against a (possibly different) spec, without recapturing.
func (h *Handlers) EvaluateRun(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	var req evaluateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.InvalidInput("malformed request body: %v", err))
		return
	}

	report, err := h.orchestrator.Evaluate(r.Context(), req.RunID, principal.UserID, req.Spec)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

type deleteEnvRequest struct {
	EnvironmentID uuid.UUID `json:"environment_id"`
}

// DeleteEnv tears down a runtime environment: drops its schema and
// releases its pool entry back for refresh.
func (h *Handlers) DeleteEnv(w http.ResponseWriter, r *http.Request) {
	var req deleteEnvRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.InvalidInput("malformed request body: %v", err))
		return
	}

	env, err := h.loadEnvironment(r, req.EnvironmentID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.namespaces.Drop(r.Context(), env.SchemaName); err != nil {
		writeError(w, err)
		return
	}
	if err := h.pools.Release(r.Context(), *env); err != nil {
		writeError(w, err)
		return
	}

	_, err = h.db.ExecContext(r.Context(), `
		UPDATE runtime_environments SET state = 'destroyed', destroyed_at = now(), updated_at = now() WHERE id = $1
	`, env.ID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, err, "while marking environment %s destroyed", env.ID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"environment_id": env.ID, "status": "destroyed"})
}

// Templates lists templates visible to the caller for a service.
func (h *Handlers) Templates(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	service := r.URL.Query().Get("service")

	tmpls, err := h.templates.List(r.Context(), service, principal.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpls)
}

// Tests lists tests for a service.
func (h *Handlers) Tests(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	principal := PrincipalFromContext(r.Context())

	var tests []store.Test
	err := h.db.SelectContext(r.Context(), &tests, `
		SELECT * FROM tests WHERE service = $1 AND (visibility = 'shared' OR owner_id = $2)
		ORDER BY name
	`, service, principal.UserID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, err, "while listing tests for %s", service))
		return
	}
	writeJSON(w, http.StatusOK, tests)
}

type createTestRequest struct {
	Service    string         `json:"service"`
	Name       string         `json:"name"`
	Visibility string         `json:"visibility"`
	DSL        map[string]any `json:"dsl"`
}

// CreateTest validates dsl against the assertion-spec schema and
// persists a new Test, owned by the caller.
func (h *Handlers) CreateTest(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	var req createTestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.InvalidInput("malformed request body: %v", err))
		return
	}
	if req.Service == "" || req.Name == "" {
		writeError(w, apierr.InvalidInput("service and name are required"))
		return
	}
	if req.Visibility == "" {
		req.Visibility = "private"
	}

	if err := h.dslc.Validate(req.DSL); err != nil {
		writeError(w, err)
		return
	}
	dslJSON, err := json.Marshal(req.DSL)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, err, "while encoding assertion spec"))
		return
	}

	test := store.Test{
		ID:         uuid.New(),
		Service:    req.Service,
		Name:       req.Name,
		OwnerID:    principal.UserID,
		Visibility: req.Visibility,
		DSL:        dslJSON,
	}

	_, err = h.db.NamedExecContext(r.Context(), `
		INSERT INTO tests (id, service, name, owner_id, visibility, dsl, created_at, updated_at)
		VALUES (:id, :service, :name, :owner_id, :visibility, :dsl, now(), now())
	`, test)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, err, "while creating test %s/%s", req.Service, req.Name))
		return
	}

	writeJSON(w, http.StatusCreated, test)
}

// TestSuites lists test suites for a service.
func (h *Handlers) TestSuites(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	principal := PrincipalFromContext(r.Context())

	var suites []store.TestSuite
	err := h.db.SelectContext(r.Context(), &suites, `
		SELECT * FROM test_suites WHERE service = $1 AND owner_id = $2 ORDER BY name
	`, service, principal.UserID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, err, "while listing test suites for %s", service))
		return
	}
	writeJSON(w, http.StatusOK, suites)
}

type createTestSuiteRequest struct {
	Service string      `json:"service"`
	Name    string      `json:"name"`
	TestIDs []uuid.UUID `json:"test_ids"`
}

// CreateTestSuite persists a new TestSuite owned by the caller, along
// with its ordered TestMembership rows.
func (h *Handlers) CreateTestSuite(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	var req createTestSuiteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.InvalidInput("malformed request body: %v", err))
		return
	}
	if req.Service == "" || req.Name == "" {
		writeError(w, apierr.InvalidInput("service and name are required"))
		return
	}

	suite := store.TestSuite{
		ID:      uuid.New(),
		Service: req.Service,
		Name:    req.Name,
		OwnerID: principal.UserID,
	}

	tx, err := h.db.BeginTxx(r.Context(), nil)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, err, "while starting transaction for test suite %s", req.Name))
		return
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(r.Context(), `
		INSERT INTO test_suites (id, service, name, owner_id, created_at, updated_at)
		VALUES (:id, :service, :name, :owner_id, now(), now())
	`, suite)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, err, "while creating test suite %s/%s", req.Service, req.Name))
		return
	}

	for position, testID := range req.TestIDs {
		membership := store.TestMembership{TestSuiteID: suite.ID, TestID: testID, Position: position}
		_, err = tx.NamedExecContext(r.Context(), `
			INSERT INTO test_memberships (test_suite_id, test_id, position)
			VALUES (:test_suite_id, :test_id, :position)
		`, membership)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, err, "while adding test %s to suite %s", testID, suite.ID))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, err, "while committing test suite %s", suite.ID))
		return
	}

	writeJSON(w, http.StatusCreated, suite)
}

func (h *Handlers) loadEnvironment(r *http.Request, envID uuid.UUID) (*store.RuntimeEnvironment, error) {
	var env store.RuntimeEnvironment
	err := h.db.GetContext(r.Context(), &env, `SELECT * FROM runtime_environments WHERE id = $1`, envID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("environment %s not found", envID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while loading environment %s", envID)
	}
	return &env, nil
}
