// Package snapshot implements change capture via the snapshot-diff
// strategy: materialize a sibling table per source table at "before" and
// "after" stages, fingerprint each to skip unchanged tables cheaply, and
// diff changed tables via primary-key equi-joins. Grounded line-for-line
// on the original evaluationEngine/differ.py.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/platlog"
	"github.com/agentdiff/harness/internal/store"
)

// Stage identifies whether a snapshot was taken before or after a run's
// system-under-test interactions.
type Stage string

const (
	StageBefore Stage = "before"
	StageAfter  Stage = "after"
)

// Differ materializes and compares snapshots for a runtime environment.
type Differ struct {
	db *sqlx.DB
}

// New builds a Differ bound to db.
func New(db *sqlx.DB) *Differ {
	return &Differ{db: db}
}

// CreateSnapshot materializes a sibling table for every primary-keyed
// base table in schema (tables without a primary key are skipped with a
// warning), all inside a single transaction so the snapshot is atomic
// relative to concurrent writers. A table whose fingerprint (row count +
// checksum) matches the snapshot_metadata row already recorded for the
// same run, table and stage is not re-materialized; that row is reused.
// Tables unchanged between the before and after stages are skipped
// later, by Diff.
func (d *Differ) CreateSnapshot(ctx context.Context, environmentID, runID uuid.UUID, schema string, stage Stage) error {
	contextLogger := platlog.FromContext(ctx).WithValues(
		"environment_id", environmentID, "run_id", runID, "stage", stage,
	)

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while starting snapshot transaction")
	}
	defer func() { _ = tx.Rollback() }()

	tables, err := tablesWithPrimaryKey(ctx, tx, schema)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		contextLogger.Warning("no primary-keyed tables found in schema; nothing to snapshot")
	}

	for _, table := range tables {
		t0 := time.Now()

		fingerprint, err := fingerprintTable(ctx, tx, schema, table.Name, table.PrimaryKey)
		if err != nil {
			return err
		}

		if existing, ok, err := existingFingerprint(ctx, tx, runID, table.Name, stage); err != nil {
			return err
		} else if ok && existing == fingerprint {
			contextLogger.Debug("table unchanged since last snapshot, skipping materialization",
				"table", table.Name)
			continue
		}

		snapshotTable := snapshotTableName(schema, table.Name, stage, runID)
		if err := materializeSnapshot(ctx, tx, schema, table.Name, snapshotTable); err != nil {
			return err
		}

		if err := recordFingerprint(ctx, tx, environmentID, runID, table.Name, stage, fingerprint, snapshotTable); err != nil {
			return err
		}

		elapsed := time.Since(t0)
		if elapsed > 500*time.Millisecond {
			contextLogger.Info("slow snapshot stage", "table", table.Name, "elapsed_ms", elapsed.Milliseconds())
		}
	}

	if err := tx.Commit(); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while committing snapshot for run %s", runID)
	}
	return nil
}

// primaryKeyedTable names a table and its ordered primary-key columns.
type primaryKeyedTable struct {
	Name       string
	PrimaryKey []string
}

// tablesWithPrimaryKey lists base tables in schema that have a primary
// key. Tables without one cannot be diffed by equi-join and are skipped
// with a warning rather than failing the whole snapshot.
func tablesWithPrimaryKey(ctx context.Context, tx *sqlx.Tx, schema string) ([]primaryKeyedTable, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT t.table_name
		FROM information_schema.tables t
		WHERE t.table_schema = $1 AND t.table_type = 'BASE TABLE'
		  AND t.table_name NOT LIKE 'snapshot\_%' ESCAPE '\'
		ORDER BY t.table_name
	`, schema)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while listing tables in schema %q", schema)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "while scanning table name")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while iterating tables in schema %q", schema)
	}

	var result []primaryKeyedTable
	for _, name := range names {
		pk, err := primaryKeyColumns(ctx, tx, schema, name)
		if err != nil {
			return nil, err
		}
		if len(pk) == 0 {
			platlog.FromContext(ctx).Warning("table has no primary key, skipping from diff", "table", name)
			continue
		}
		result = append(result, primaryKeyedTable{Name: name, PrimaryKey: pk})
	}
	return result, nil
}

func primaryKeyColumns(ctx context.Context, tx *sqlx.Tx, schema, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = (quote_ident($1) || '.' || quote_ident($2))::regclass
		  AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)
	`, schema, table)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while fetching primary key for %s.%s", schema, table)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "while scanning primary key column")
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// fingerprintTable computes row count plus an order-stable md5 digest of
// every row's json representation, the cheap signal used to decide
// whether a table needs re-materializing.
func fingerprintTable(ctx context.Context, tx *sqlx.Tx, schema, table string, pk []string) (string, error) {
	ident := pgx.Identifier{schema, table}.Sanitize()
	orderBy := quoteColumns(pk)

	var count int64
	var checksum sql.NullString
	query := fmt.Sprintf(`
		SELECT count(*), md5(coalesce(string_agg(md5(row_to_json(t)::text), '' ORDER BY %s), ''))
		FROM %s t
	`, orderBy, ident)

	row := tx.QueryRowContext(ctx, query)
	if err := row.Scan(&count, &checksum); err != nil {
		return "", apierr.Wrap(apierr.KindInternal, err, "while fingerprinting %s.%s", schema, table)
	}

	return fmt.Sprintf("%d:%s", count, checksum.String), nil
}

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

func existingFingerprint(ctx context.Context, tx *sqlx.Tx, runID uuid.UUID, table string, stage Stage) (string, bool, error) {
	var rowCount int64
	var checksum string
	err := tx.QueryRowContext(ctx, `
		SELECT row_count, checksum FROM snapshot_metadata WHERE run_id = $1 AND table_name = $2 AND stage = $3
	`, runID, table, string(stage)).Scan(&rowCount, &checksum)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apierr.Wrap(apierr.KindInternal, err, "while checking existing fingerprint for %s", table)
	}
	return fmt.Sprintf("%d:%s", rowCount, checksum), true, nil
}

func snapshotTableName(schema, table string, stage Stage, runID uuid.UUID) string {
	suffix := strings.ReplaceAll(runID.String(), "-", "")[:12]
	return fmt.Sprintf("snapshot_%s_%s_%s", table, stage, suffix)
}

func materializeSnapshot(ctx context.Context, tx *sqlx.Tx, schema, table, snapshotTable string) error {
	sourceIdent := pgx.Identifier{schema, table}.Sanitize()
	destIdent := pgx.Identifier{schema, snapshotTable}.Sanitize()

	dropExisting := fmt.Sprintf("DROP TABLE IF EXISTS %s", destIdent)
	if _, err := tx.ExecContext(ctx, dropExisting); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while dropping stale snapshot table %s", snapshotTable)
	}

	createAs := fmt.Sprintf("CREATE TABLE %s AS TABLE %s", destIdent, sourceIdent)
	if _, err := tx.ExecContext(ctx, createAs); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while materializing snapshot %s", snapshotTable)
	}
	return nil
}

func recordFingerprint(
	ctx context.Context, tx *sqlx.Tx,
	environmentID, runID uuid.UUID, table string, stage Stage, fingerprint, snapshotTable string,
) error {
	parts := strings.SplitN(fingerprint, ":", 2)
	var rowCount int64
	fmt.Sscanf(parts[0], "%d", &rowCount)
	checksum := ""
	if len(parts) > 1 {
		checksum = parts[1]
	}

	meta := store.SnapshotMetadata{
		ID:            uuid.New(),
		EnvironmentID: environmentID,
		RunID:         runID,
		TableName:     table,
		Stage:         string(stage),
		RowCount:      rowCount,
		Checksum:      checksum,
		SnapshotTable: snapshotTable,
	}

	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO snapshot_metadata
			(id, environment_id, run_id, table_name, stage, row_count, checksum, snapshot_table, created_at)
		VALUES
			(:id, :environment_id, :run_id, :table_name, :stage, :row_count, :checksum, :snapshot_table, now())
		ON CONFLICT (run_id, table_name, stage) DO UPDATE SET
			row_count = EXCLUDED.row_count,
			checksum = EXCLUDED.checksum,
			snapshot_table = EXCLUDED.snapshot_table
	`, meta)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while recording snapshot metadata for %s", table)
	}
	return nil
}

// Diff compares the "before" and "after" snapshots of a run and returns
// the per-table insert/update/delete sets, via primary-key equi-joins
// (IS DISTINCT FROM for detecting updated rows, tolerant of NULLs).
func (d *Differ) Diff(ctx context.Context, runID uuid.UUID, schema string) (map[string]store.TableDiff, error) {
	var metas []store.SnapshotMetadata
	err := d.db.SelectContext(ctx, &metas, `
		SELECT * FROM snapshot_metadata WHERE run_id = $1 ORDER BY table_name, stage
	`, runID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while loading snapshot metadata for run %s", runID)
	}

	before := map[string]store.SnapshotMetadata{}
	after := map[string]store.SnapshotMetadata{}
	for _, m := range metas {
		switch Stage(m.Stage) {
		case StageBefore:
			before[m.TableName] = m
		case StageAfter:
			after[m.TableName] = m
		}
	}

	result := map[string]store.TableDiff{}
	for table, afterMeta := range after {
		beforeMeta, hadBefore := before[table]

		if hadBefore && beforeMeta.Checksum == afterMeta.Checksum && beforeMeta.RowCount == afterMeta.RowCount {
			continue
		}

		pk, err := primaryKeyColumnsDB(ctx, d.db, schema, table)
		if err != nil {
			return nil, err
		}

		var td store.TableDiff
		if hadBefore {
			td, err = diffTables(ctx, d.db, beforeMeta.SnapshotTable, afterMeta.SnapshotTable, schema, pk)
		} else {
			td, err = allRowsAsInserts(ctx, d.db, afterMeta.SnapshotTable, schema, pk)
		}
		if err != nil {
			return nil, err
		}
		result[table] = td
	}

	return result, nil
}

func primaryKeyColumnsDB(ctx context.Context, db *sqlx.DB, schema, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = (quote_ident($1) || '.' || quote_ident($2))::regclass
		  AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)
	`, schema, table)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while fetching primary key for %s.%s", schema, table)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "while scanning primary key column")
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func diffTables(ctx context.Context, db *sqlx.DB, beforeTable, afterTable, schema string, pk []string) (store.TableDiff, error) {
	var td store.TableDiff

	joinOn := make([]string, len(pk))
	for i, c := range pk {
		ident := pgx.Identifier{c}.Sanitize()
		joinOn[i] = fmt.Sprintf("b.%s = a.%s", ident, ident)
	}
	joinCond := strings.Join(joinOn, " AND ")

	beforeIdent := pgx.Identifier{schema, beforeTable}.Sanitize()
	afterIdent := pgx.Identifier{schema, afterTable}.Sanitize()

	insertsQuery := fmt.Sprintf(`
		SELECT row_to_json(a) FROM %s a
		LEFT JOIN %s b ON %s
		WHERE b.* IS NULL
	`, afterIdent, beforeIdent, joinCond)
	inserted, err := scanRowsAsChanges(ctx, db, insertsQuery, pk)
	if err != nil {
		return td, err
	}
	td.Inserted = inserted

	deletesQuery := fmt.Sprintf(`
		SELECT row_to_json(b) FROM %s b
		LEFT JOIN %s a ON %s
		WHERE a.* IS NULL
	`, beforeIdent, afterIdent, joinCond)
	deleted, err := scanRowsAsChanges(ctx, db, deletesQuery, pk)
	if err != nil {
		return td, err
	}
	for i := range deleted {
		deleted[i].Before, deleted[i].After = deleted[i].After, nil
	}
	td.Deleted = deleted

	updatesQuery := fmt.Sprintf(`
		SELECT row_to_json(b), row_to_json(a) FROM %s b
		JOIN %s a ON %s
		WHERE row_to_json(b)::text IS DISTINCT FROM row_to_json(a)::text
	`, beforeIdent, afterIdent, joinCond)
	updated, err := scanUpdatePairs(ctx, db, updatesQuery, pk)
	if err != nil {
		return td, err
	}
	td.Updated = updated

	return td, nil
}

func allRowsAsInserts(ctx context.Context, db *sqlx.DB, table, schema string, pk []string) (store.TableDiff, error) {
	ident := pgx.Identifier{schema, table}.Sanitize()
	query := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t`, ident)
	inserted, err := scanRowsAsChanges(ctx, db, query, pk)
	return store.TableDiff{Inserted: inserted}, err
}

func scanRowsAsChanges(ctx context.Context, db *sqlx.DB, query string, pk []string) ([]store.RowChange, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while running diff query")
	}
	defer rows.Close()

	var changes []store.RowChange
	for rows.Next() {
		row, err := scanRowJSON(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, store.RowChange{
			PrimaryKey: extractPrimaryKey(row, pk),
			After:      row,
		})
	}
	return changes, rows.Err()
}

func scanUpdatePairs(ctx context.Context, db *sqlx.DB, query string, pk []string) ([]store.RowChange, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while running update-diff query")
	}
	defer rows.Close()

	var changes []store.RowChange
	for rows.Next() {
		var beforeRaw, afterRaw []byte
		if err := rows.Scan(&beforeRaw, &afterRaw); err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "while scanning update pair")
		}
		before, err := sanitizeJSON(beforeRaw)
		if err != nil {
			return nil, err
		}
		after, err := sanitizeJSON(afterRaw)
		if err != nil {
			return nil, err
		}
		changes = append(changes, store.RowChange{
			PrimaryKey: extractPrimaryKey(after, pk),
			Before:     before,
			After:      after,
		})
	}
	return changes, rows.Err()
}

func scanRowJSON(rows *sql.Rows) (map[string]any, error) {
	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while scanning row json")
	}
	return sanitizeJSON(raw)
}

func extractPrimaryKey(row map[string]any, pk []string) map[string]any {
	out := make(map[string]any, len(pk))
	for _, col := range pk {
		out[col] = row[col]
	}
	return out
}

// ArchiveSnapshots drops every snapshot_% sibling table recorded for
// runID, reclaiming storage once a run's diff has been captured and
// persisted. Metadata rows are left in place as the durable audit trail.
func (d *Differ) ArchiveSnapshots(ctx context.Context, runID uuid.UUID, schema string) error {
	var tables []string
	err := d.db.SelectContext(ctx, &tables, `
		SELECT snapshot_table FROM snapshot_metadata WHERE run_id = $1
	`, runID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "while listing snapshot tables for run %s", runID)
	}

	for _, table := range tables {
		ident := pgx.Identifier{schema, table}.Sanitize()
		if _, err := d.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", ident)); err != nil {
			return apierr.Wrap(apierr.KindInternal, err, "while archiving snapshot table %s", table)
		}
	}
	return nil
}
