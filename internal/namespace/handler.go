// Package namespace implements the DDL operations behind a runtime
// environment's schema lifecycle: creating an empty namespace, cloning a
// template's schema into a fresh one, dropping it, and handing out a
// scoped, search_path-pinned connection for the duration of a run.
//
// The DDL-builder style (strings.Builder plus pgx.Identifier.Sanitize for
// every identifier) is adapted from the CREATE/ALTER/DROP DATABASE
// builders used for the Database custom resource in the teacher
// repository; here the same approach targets CREATE SCHEMA /
// schema-to-schema table cloning instead of whole databases, since a
// runtime environment is a namespace within one shared Postgres instance.
package namespace

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
	"github.com/sethvargo/go-password/password"

	"github.com/agentdiff/harness/internal/platlog"
)

// Handler performs schema-level DDL against the Postgres instance that
// hosts both the metadata store and every cloned namespace.
type Handler struct {
	db *sql.DB
}

// New builds a Handler bound to db.
func New(db *sql.DB) *Handler {
	return &Handler{db: db}
}

// RandomSchemaSuffix generates a short lowercase-alphanumeric suffix
// for a generated schema name (run_<suffix>, pool_<suffix>, ...). Unlike
// a uuid substring, it never contains a hyphen, so it reads cleanly even
// in contexts where the identifier isn't quoted.
func RandomSchemaSuffix() (string, error) {
	return password.Generate(12, 4, 0, true, false)
}

// Exists reports whether a schema with the given name is already present.
func (h *Handler) Exists(ctx context.Context, schema string) (bool, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT count(*) FROM information_schema.schemata WHERE schema_name = $1
	`, schema)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("while checking if schema %q exists: %w", schema, err)
	}
	return count > 0, nil
}

// CreateEmpty creates a bare schema with no tables, owned by the current
// role.
func (h *Handler) CreateEmpty(ctx context.Context, schema string) error {
	contextLogger := platlog.FromContext(ctx)

	query := fmt.Sprintf("CREATE SCHEMA %s", pgx.Identifier{schema}.Sanitize())
	if _, err := h.db.ExecContext(ctx, query); err != nil {
		contextLogger.Error(err, "while creating empty schema", "query", query)
		return fmt.Errorf("while creating schema %q: %w", schema, err)
	}
	return nil
}

// Clone creates a new schema named dest containing a structural and data
// copy of every table in source. The whole operation runs inside a
// single transaction so concurrent readers never observe a partially
// cloned namespace.
func (h *Handler) Clone(ctx context.Context, source, dest string) error {
	contextLogger := platlog.FromContext(ctx).WithValues("source", source, "dest", dest)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("while starting clone transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createSchema := fmt.Sprintf("CREATE SCHEMA %s", pgx.Identifier{dest}.Sanitize())
	if _, err := tx.ExecContext(ctx, createSchema); err != nil {
		return fmt.Errorf("while creating destination schema %q: %w", dest, err)
	}

	tables, err := tablesInSchema(ctx, tx, source)
	if err != nil {
		return err
	}

	for _, table := range tables {
		if err := cloneTable(ctx, tx, source, dest, table); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("while committing clone of %q into %q: %w", source, dest, err)
	}

	contextLogger.Info("cloned namespace", "tables", len(tables))
	return nil
}

func tablesInSchema(ctx context.Context, tx *sql.Tx, schema string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, schema)
	if err != nil {
		return nil, fmt.Errorf("while listing tables in schema %q: %w", schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("while scanning table name in schema %q: %w", schema, err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func cloneTable(ctx context.Context, tx *sql.Tx, source, dest, table string) error {
	sourceIdent := pgx.Identifier{source, table}.Sanitize()
	destIdent := pgx.Identifier{dest, table}.Sanitize()

	createLike := fmt.Sprintf(
		"CREATE TABLE %s (LIKE %s INCLUDING ALL)",
		destIdent, sourceIdent,
	)
	if _, err := tx.ExecContext(ctx, createLike); err != nil {
		return fmt.Errorf("while creating table %q in clone: %w", table, err)
	}

	copyData := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", destIdent, sourceIdent)
	if _, err := tx.ExecContext(ctx, copyData); err != nil {
		return fmt.Errorf("while copying data for table %q in clone: %w", table, err)
	}

	return nil
}

// Drop removes a schema and everything it contains.
func (h *Handler) Drop(ctx context.Context, schema string) error {
	contextLogger := platlog.FromContext(ctx)

	query := fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pgx.Identifier{schema}.Sanitize())
	if _, err := h.db.ExecContext(ctx, query); err != nil {
		contextLogger.Error(err, "while dropping schema", "query", query)
		return fmt.Errorf("while dropping schema %q: %w", schema, err)
	}
	return nil
}

// ReplicaIdentityFull sets REPLICA IDENTITY FULL on every table in schema,
// required for wal2json to emit "before" images on update/delete even for
// tables without a stable primary key ordering guarantee.
func (h *Handler) ReplicaIdentityFull(ctx context.Context, schema string) error {
	tables, err := tablesInSchemaDB(ctx, h.db, schema)
	if err != nil {
		return err
	}

	var errs []string
	for _, table := range tables {
		ident := pgx.Identifier{schema, table}.Sanitize()
		query := fmt.Sprintf("ALTER TABLE %s REPLICA IDENTITY FULL", ident)
		if _, err := h.db.ExecContext(ctx, query); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", table, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("while setting replica identity full on schema %q: %s", schema, strings.Join(errs, "; "))
	}
	return nil
}

func tablesInSchemaDB(ctx context.Context, db *sql.DB, schema string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, schema)
	if err != nil {
		return nil, fmt.Errorf("while listing tables in schema %q: %w", schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("while scanning table name in schema %q: %w", schema, err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Session is a scoped connection pinned to a namespace's search_path,
// released back to the pool when Close is called. Callers must always
// defer Close() immediately after acquiring one.
type Session struct {
	conn          *sql.Conn
	schema        string
	impersonation *sessionRole
}

// sessionRole holds the throwaway Postgres role created for an
// impersonated session, dropped on Close.
type sessionRole struct {
	name string
}

// SessionFor acquires a dedicated connection from the pool and pins its
// search_path to schema for the lifetime of the session.
func (h *Handler) SessionFor(ctx context.Context, schema string) (*Session, error) {
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("while acquiring connection for schema %q: %w", schema, err)
	}

	setPath := fmt.Sprintf("SET search_path TO %s, public", pgx.Identifier{schema}.Sanitize())
	if _, err := conn.ExecContext(ctx, setPath); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("while setting search_path to %q: %w", schema, err)
	}

	return &Session{conn: conn, schema: schema}, nil
}

// SessionForImpersonated behaves like SessionFor, but additionally
// creates a throwaway, randomly-passworded Postgres role scoped to
// impersonateUserID and SETs the connection's role to it, so statements
// run as that principal rather than the pool's own login role. The role
// is dropped when the session is closed.
func (h *Handler) SessionForImpersonated(ctx context.Context, schema, impersonateUserID string) (*Session, error) {
	sess, err := h.SessionFor(ctx, schema)
	if err != nil {
		return nil, err
	}

	roleName, _, err := createImpersonationRole(ctx, sess.conn, impersonateUserID)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	sess.impersonation = &sessionRole{name: roleName}

	if _, err := sess.conn.ExecContext(ctx, fmt.Sprintf("SET ROLE %s", pgx.Identifier{roleName}.Sanitize())); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("while assuming impersonation role %q: %w", roleName, err)
	}

	return sess, nil
}

func createImpersonationRole(ctx context.Context, conn *sql.Conn, impersonateUserID string) (string, string, error) {
	pass, err := password.Generate(20, 6, 0, false, false)
	if err != nil {
		return "", "", fmt.Errorf("while generating impersonation role password: %w", err)
	}

	suffix, err := RandomSchemaSuffix()
	if err != nil {
		return "", "", fmt.Errorf("while generating impersonation role name: %w", err)
	}
	roleName := fmt.Sprintf("impersonate_%s", suffix)

	quotedRole := pgx.Identifier{roleName}.Sanitize()
	createStmt := fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s NOINHERIT", quotedRole, pq.QuoteLiteral(pass))
	if _, err := conn.ExecContext(ctx, createStmt); err != nil {
		return "", "", fmt.Errorf("while creating impersonation role for user %q: %w", impersonateUserID, err)
	}

	grantStmt := fmt.Sprintf("GRANT %s TO CURRENT_USER", quotedRole)
	if _, err := conn.ExecContext(ctx, grantStmt); err != nil {
		return "", "", fmt.Errorf("while granting impersonation role %q to the session login: %w", roleName, err)
	}
	return roleName, pass, nil
}

// CreateImpersonationCredentials creates the same throwaway role
// SessionForImpersonated uses internally, but returns its name and
// plaintext password instead of pinning a connection to it. Used by
// callers that need to hand the role to an external process (a psql
// shell, say) rather than a connection held by this process.
// Callers are responsible for dropping the role with DropRole once
// they're done with it.
func (h *Handler) CreateImpersonationCredentials(ctx context.Context, impersonateUserID string) (roleName, plaintextPassword string, err error) {
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return "", "", fmt.Errorf("while acquiring connection to create impersonation role: %w", err)
	}
	defer conn.Close()

	return createImpersonationRole(ctx, conn, impersonateUserID)
}

// DropRole drops a role previously created by CreateImpersonationCredentials.
func (h *Handler) DropRole(ctx context.Context, roleName string) error {
	query := fmt.Sprintf("DROP ROLE IF EXISTS %s", pgx.Identifier{roleName}.Sanitize())
	if _, err := h.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("while dropping role %q: %w", roleName, err)
	}
	return nil
}

// Conn returns the underlying scoped connection.
func (s *Session) Conn() *sql.Conn { return s.conn }

// Schema returns the namespace this session is pinned to.
func (s *Session) Schema() string { return s.schema }

// Close releases the connection back to the pool, dropping any
// impersonation role created for it first.
func (s *Session) Close() error {
	if s.impersonation != nil {
		_, _ = s.conn.ExecContext(context.Background(), "RESET ROLE")
		_, _ = s.conn.ExecContext(context.Background(), fmt.Sprintf("DROP ROLE IF EXISTS %s", pgx.Identifier{s.impersonation.name}.Sanitize()))
	}
	return s.conn.Close()
}
