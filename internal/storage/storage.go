// Package storage implements the local embedded analytical database on
// modernc.org/sqlite, following the connection-setup and pragma-tuning
// pattern of the pack's dashboard-tui db package but targeting a
// single-writer analytical workload instead of an append-only event log.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	goccyjson "github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
	"github.com/ajitpratap0/mpdata/pkg/mperrors"
	"github.com/ajitpratap0/mpdata/pkg/mplogger"
	"github.com/ajitpratap0/mpdata/pkg/mpmetrics"
)

// EventRow is a row ready to append to an events table.
type EventRow struct {
	DistinctID string
	EventName  string
	EventTime  time.Time
	InsertID   string
	Properties mixpanel.Properties
}

// ProfileRow is a row ready to append to a profiles table.
type ProfileRow struct {
	DistinctID string
	Properties mixpanel.Properties
	LastSeen   *time.Time
}

// ColumnStats summarizes one column of a table.
type ColumnStats struct {
	Column   string
	NonNull  int64
	Distinct int64
	Min      interface{}
	Max      interface{}
}

// Engine is the local embedded store. All writes go through a single
// mutex-guarded transaction path (spec §4.5's single-writer invariant);
// reads use the pool freely.
type Engine struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// Open opens (or creates) the database at path. Pass ":memory:" for an
// ephemeral, in-process instance.
func Open(path string) (*Engine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to open local store")
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to connect to local store")
	}

	e := &Engine{db: db, logger: mplogger.Named("storage")}
	if err := e.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := e.createMetadataTable(); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := e.db.ExecContext(context.Background(), p); err != nil {
			return mperrors.Wrap(err, mperrors.TypeTransportError, fmt.Sprintf("failed to execute %s", p))
		}
	}
	return nil
}

func (e *Engine) createMetadataTable() error {
	_, err := e.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS _metadata (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			row_count INTEGER NOT NULL DEFAULT 0,
			byte_size INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			from_date TEXT,
			to_date TEXT
		)`)
	return err
}

// Close checkpoints the WAL and closes the connection pool.
func (e *Engine) Close() error {
	_, _ = e.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	return e.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateTable creates a table of the given kind. Fails with TableExists
// unless replace is true, in which case any existing table of the same
// name is dropped first.
func (e *Engine) CreateTable(ctx context.Context, name string, kind mixpanel.TableKind, replace bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exists, err := e.tableExists(ctx, name)
	if err != nil {
		return err
	}
	if exists && !replace {
		return mperrors.New(mperrors.TypeTableExists, fmt.Sprintf("table %q already exists", name)).WithDetail("table", name)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return mperrors.Wrap(err, mperrors.TypeTransportError, "failed to begin transaction")
	}
	defer tx.Rollback()

	if exists {
		if _, err := tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(name)); err != nil {
			return mperrors.Wrap(err, mperrors.TypeTransportError, "failed to drop existing table")
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM _metadata WHERE name = ?", name); err != nil {
			return mperrors.Wrap(err, mperrors.TypeTransportError, "failed to clear metadata")
		}
	}

	var ddl string
	switch kind {
	case mixpanel.TableKindEvents:
		ddl = fmt.Sprintf(`CREATE TABLE %s (
			distinct_id TEXT,
			event_name TEXT NOT NULL,
			event_time TIMESTAMP NOT NULL,
			insert_id TEXT,
			properties TEXT
		)`, quoteIdent(name))
	case mixpanel.TableKindProfiles:
		ddl = fmt.Sprintf(`CREATE TABLE %s (
			distinct_id TEXT PRIMARY KEY,
			properties TEXT,
			last_seen TIMESTAMP
		)`, quoteIdent(name))
	default:
		return mperrors.New(mperrors.TypeQueryError, fmt.Sprintf("unknown table kind %q", kind))
	}

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return mperrors.Wrap(err, mperrors.TypeTransportError, "failed to create table")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _metadata (name, kind, row_count, byte_size, created_at) VALUES (?, ?, 0, 0, ?)`,
		name, string(kind), time.Now().UTC()); err != nil {
		return mperrors.Wrap(err, mperrors.TypeTransportError, "failed to write table metadata")
	}

	if err := tx.Commit(); err != nil {
		return mperrors.Wrap(err, mperrors.TypeTransportError, "failed to commit table creation")
	}
	e.logger.Info("table created", zap.String("table", name), zap.String("kind", string(kind)), zap.Bool("replaced", exists))
	return nil
}

func (e *Engine) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := e.db.QueryRowContext(ctx, "SELECT 1 FROM _metadata WHERE name = ?", name).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to check table existence")
	}
	return true, nil
}

func (e *Engine) requireTable(ctx context.Context, name string) error {
	exists, err := e.tableExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return mperrors.New(mperrors.TypeTableNotFound, fmt.Sprintf("table %q does not exist", name)).WithDetail("table", name)
	}
	return nil
}

// AppendEvents inserts rows into an existing events table atomically,
// updating metadata (row count, byte size, covered date range) in the same
// transaction as the row insert, so readers never observe partial metadata.
func (e *Engine) AppendEvents(ctx context.Context, table string, rows []EventRow) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireTable(ctx, table); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (distinct_id, event_name, event_time, insert_id, properties) VALUES (?, ?, ?, ?, ?)",
		quoteIdent(table)))
	if err != nil {
		return 0, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to prepare insert")
	}
	defer stmt.Close()

	var byteSize int64
	var minDate, maxDate string
	for _, r := range rows {
		propsJSON, err := goccyjson.Marshal(r.Properties)
		if err != nil {
			return 0, mperrors.Wrap(err, mperrors.TypeProtocolError, "failed to encode properties")
		}
		if _, err := stmt.ExecContext(ctx, r.DistinctID, r.EventName, r.EventTime.UTC(), r.InsertID, string(propsJSON)); err != nil {
			return 0, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to insert event row")
		}
		byteSize += int64(len(propsJSON)) + int64(len(r.DistinctID)+len(r.EventName)+len(r.InsertID))

		date := r.EventTime.UTC().Format("2006-01-02")
		if minDate == "" || date < minDate {
			minDate = date
		}
		if maxDate == "" || date > maxDate {
			maxDate = date
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _metadata SET
			row_count = row_count + ?,
			byte_size = byte_size + ?,
			from_date = CASE WHEN from_date IS NULL OR ? < from_date THEN ? ELSE from_date END,
			to_date = CASE WHEN to_date IS NULL OR ? > to_date THEN ? ELSE to_date END
		WHERE name = ?`,
		len(rows), byteSize, minDate, minDate, maxDate, maxDate, table); err != nil {
		return 0, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to update metadata")
	}

	if err := tx.Commit(); err != nil {
		return 0, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to commit batch")
	}

	mpmetrics.RecordRowsWritten(table, int64(len(rows)))
	return int64(len(rows)), nil
}

// AppendProfiles upserts rows into an existing profiles table atomically.
func (e *Engine) AppendProfiles(ctx context.Context, table string, rows []ProfileRow) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireTable(ctx, table); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (distinct_id, properties, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(distinct_id) DO UPDATE SET properties = excluded.properties, last_seen = excluded.last_seen`,
		quoteIdent(table)))
	if err != nil {
		return 0, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to prepare upsert")
	}
	defer stmt.Close()

	var byteSize int64
	for _, r := range rows {
		propsJSON, err := goccyjson.Marshal(r.Properties)
		if err != nil {
			return 0, mperrors.Wrap(err, mperrors.TypeProtocolError, "failed to encode properties")
		}
		var lastSeen interface{}
		if r.LastSeen != nil {
			lastSeen = r.LastSeen.UTC()
		}
		if _, err := stmt.ExecContext(ctx, r.DistinctID, string(propsJSON), lastSeen); err != nil {
			return 0, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to upsert profile row")
		}
		byteSize += int64(len(propsJSON)) + int64(len(r.DistinctID))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE _metadata SET row_count = row_count + ?, byte_size = byte_size + ? WHERE name = ?`,
		len(rows), byteSize, table); err != nil {
		return 0, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to update metadata")
	}

	if err := tx.Commit(); err != nil {
		return 0, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to commit batch")
	}

	mpmetrics.RecordRowsWritten(table, int64(len(rows)))
	return int64(len(rows)), nil
}

// DropTable drops one table and its metadata row.
func (e *Engine) DropTable(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireTable(ctx, name); err != nil {
		return err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return mperrors.Wrap(err, mperrors.TypeTransportError, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(name)); err != nil {
		return mperrors.Wrap(err, mperrors.TypeTransportError, "failed to drop table")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM _metadata WHERE name = ?", name); err != nil {
		return mperrors.Wrap(err, mperrors.TypeTransportError, "failed to remove metadata")
	}
	if err := tx.Commit(); err != nil {
		return mperrors.Wrap(err, mperrors.TypeTransportError, "failed to commit table drop")
	}
	e.logger.Info("table dropped", zap.String("table", name))
	return nil
}

// DropAll drops every table, optionally restricted to one kind.
func (e *Engine) DropAll(ctx context.Context, kindFilter mixpanel.TableKind) error {
	tables, err := e.ListTables(ctx, kindFilter)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if err := e.DropTable(ctx, t.Name); err != nil {
			return err
		}
	}
	return nil
}

// ListTables lists metadata for every table, optionally restricted to one
// kind (pass "" for no filter).
func (e *Engine) ListTables(ctx context.Context, kindFilter mixpanel.TableKind) ([]mixpanel.TableMetadata, error) {
	query := "SELECT name, kind, row_count, byte_size, created_at, from_date, to_date FROM _metadata"
	args := []interface{}{}
	if kindFilter != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kindFilter))
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to list tables")
	}
	defer rows.Close()

	var out []mixpanel.TableMetadata
	for rows.Next() {
		var m mixpanel.TableMetadata
		var kind string
		var fromDate, toDate sql.NullString
		if err := rows.Scan(&m.Name, &kind, &m.RowCount, &m.ByteSize, &m.CreatedAt, &fromDate, &toDate); err != nil {
			return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to scan table metadata")
		}
		m.Kind = mixpanel.TableKind(kind)
		m.FromDate = fromDate.String
		m.ToDate = toDate.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// Schema returns column name/type pairs for table.
func (e *Engine) Schema(ctx context.Context, table string) ([][2]string, error) {
	if err := e.requireTable(ctx, table); err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to read schema")
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to scan schema row")
		}
		out = append(out, [2]string{name, colType})
	}
	return out, rows.Err()
}

// Sample returns up to n raw rows from table as generic maps.
func (e *Engine) Sample(ctx context.Context, table string, n int) ([]map[string]interface{}, error) {
	if err := e.requireTable(ctx, table); err != nil {
		return nil, err
	}
	return e.SQL(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT ?", quoteIdent(table)), n)
}

// Summarize returns per-column statistics for every column of table.
func (e *Engine) Summarize(ctx context.Context, table string) ([]ColumnStats, error) {
	cols, err := e.Schema(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]ColumnStats, 0, len(cols))
	for _, c := range cols {
		stats, err := e.ColumnStats(ctx, table, c[0])
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

// ColumnStats computes non-null count, distinct count, and min/max for one
// column.
func (e *Engine) ColumnStats(ctx context.Context, table, column string) (ColumnStats, error) {
	if err := e.requireTable(ctx, table); err != nil {
		return ColumnStats{}, err
	}
	col := quoteIdent(column)
	query := fmt.Sprintf(
		"SELECT COUNT(%s), COUNT(DISTINCT %s), MIN(%s), MAX(%s) FROM %s",
		col, col, col, col, quoteIdent(table))

	var nonNull, distinct int64
	var min, max interface{}
	if err := e.db.QueryRowContext(ctx, query).Scan(&nonNull, &distinct, &min, &max); err != nil {
		return ColumnStats{}, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to compute column stats")
	}
	return ColumnStats{Column: column, NonNull: nonNull, Distinct: distinct, Min: min, Max: max}, nil
}

// JSONKeys returns the distinct set of top-level keys observed in a JSON
// TEXT column across every row of table, decoding with goccy/go-json.
func (e *Engine) JSONKeys(ctx context.Context, table, column string) ([]string, error) {
	if err := e.requireTable(ctx, table); err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", quoteIdent(column), quoteIdent(table)))
	if err != nil {
		return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to read json column")
	}
	defer rows.Close()

	seen := map[string]struct{}{}
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to scan json column")
		}
		if !raw.Valid || raw.String == "" {
			continue
		}
		var m map[string]interface{}
		if err := goccyjson.Unmarshal([]byte(raw.String), &m); err != nil {
			continue
		}
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SQL executes an arbitrary read-only query and returns rows as generic
// maps, keyed by column name.
func (e *Engine) SQL(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mperrors.Wrap(err, mperrors.TypeQueryError, "sql query failed").WithDetail("query", query)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to read columns")
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to scan row")
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SQLScalar executes a query expected to return exactly one row/column and
// returns that value.
func (e *Engine) SQLScalar(ctx context.Context, query string, args ...interface{}) (interface{}, error) {
	var v interface{}
	if err := e.db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return nil, mperrors.Wrap(err, mperrors.TypeQueryError, "sql scalar query failed").WithDetail("query", query)
	}
	return v, nil
}
