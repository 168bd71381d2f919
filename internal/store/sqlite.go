package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteDriver keeps one table per collection, each row holding a JSON document.
// Filters are pushed down with JSON1 json_extract and re-checked in Go.
type SQLiteDriver struct {
	db     *sql.DB
	mu     sync.Mutex
	tables map[string]bool
	path   string
}

var _ Driver = (*SQLiteDriver)(nil)

// OpenSQLite opens (or creates) the database at path. ":memory:" opens a private
// in-memory database.
func OpenSQLite(path string) (*SQLiteDriver, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure database: %w", err)
		}
	}

	return &SQLiteDriver{db: db, tables: make(map[string]bool), path: path}, nil
}

func (d *SQLiteDriver) ensureTable(ctx context.Context, q querier, collection string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if d.tables[collection] {
		return nil
	}
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %q (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		doc TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`, collection)
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", collection, err)
	}
	d.tables[collection] = true
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqliteRow struct {
	seq int64
	doc Doc
}

// where builds the json_extract prefilter for the scalar parts of filter.
func where(filter Filter) (string, []any) {
	var clauses []string
	var args []any
	for field, want := range filter {
		path := `$."` + field + `"`
		if set, ok := want.(inSet); ok {
			vals := make([]any, 0, len(set.values))
			for _, v := range set.values {
				if sv, ok := sqlScalar(v); ok {
					vals = append(vals, sv)
				}
			}
			if len(vals) == 0 && len(set.values) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			if len(vals) != len(set.values) {
				continue
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
			clauses = append(clauses, "json_extract(doc, ?) IN ("+placeholders+")")
			args = append(args, path)
			args = append(args, vals...)
			continue
		}
		if sv, ok := sqlScalar(want); ok {
			clauses = append(clauses, "json_extract(doc, ?) = ?")
			args = append(args, path, sv)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// sqlScalar maps a normalized JSON scalar to the value json_extract yields for it.
func sqlScalar(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return nil, false
	}
}

func (d *SQLiteDriver) find(ctx context.Context, q querier, collection string, filter Filter, limit int) ([]sqliteRow, error) {
	if err := d.ensureTable(ctx, q, collection); err != nil {
		return nil, err
	}
	clause, args := where(filter)
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT seq, doc FROM %q%s ORDER BY seq`, collection, clause), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []sqliteRow
	for rows.Next() {
		var seq int64
		var raw string
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, err
		}
		var doc Doc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%d: %w", collection, seq, err)
		}
		if !matches(doc, filter) {
			continue
		}
		out = append(out, sqliteRow{seq: seq, doc: doc})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

// Find returns matching documents in insertion order.
func (d *SQLiteDriver) Find(ctx context.Context, collection string, filter Filter, limit int) ([]Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.find(ctx, d.db, collection, filter, limit)
	if err != nil {
		return nil, err
	}
	docs := make([]Doc, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, r.doc)
	}
	return docs, nil
}

// Insert adds doc, which must carry an id.
func (d *SQLiteDriver) Insert(ctx context.Context, collection string, doc Doc) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureTable(ctx, d.db, collection); err != nil {
		return "", err
	}
	return d.insert(ctx, d.db, collection, doc)
}

func (d *SQLiteDriver) insert(ctx context.Context, q querier, collection string, doc Doc) (string, error) {
	id, _ := doc[IDField].(string)
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %q (id, doc) VALUES (?, ?)`, collection), id, string(data)); err != nil {
		return "", fmt.Errorf("insert into %s: %w", collection, err)
	}
	return id, nil
}

// Upsert runs the match-merge-write cycle inside one transaction.
func (d *SQLiteDriver) Upsert(ctx context.Context, collection string, filter Filter, set Doc) (UpsertResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureTable(ctx, d.db, collection); err != nil {
		return UpsertResult{}, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, err
	}
	defer tx.Rollback()

	rows, err := d.find(ctx, tx, collection, filter, 1)
	if err != nil {
		return UpsertResult{}, err
	}

	var candidates []Doc
	if len(rows) > 0 {
		candidates = []Doc{rows[0].doc}
	}
	doc, res := upsertDocs(candidates, filter, set)

	switch {
	case doc == nil:
		return res, nil
	case res.InsertedID != "":
		if _, err := d.insert(ctx, tx, collection, doc); err != nil {
			return UpsertResult{}, err
		}
	default:
		data, err := json.Marshal(doc)
		if err != nil {
			return UpsertResult{}, err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %q SET doc = ?, updated_at = CURRENT_TIMESTAMP WHERE seq = ?`, collection), string(data), rows[0].seq); err != nil {
			return UpsertResult{}, fmt.Errorf("update %s: %w", collection, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// Close closes the database connection.
func (d *SQLiteDriver) Close() error {
	return d.db.Close()
}
