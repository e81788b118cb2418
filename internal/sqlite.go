package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const _sqliteSchema = `
CREATE TABLE IF NOT EXISTS docs (
	collection text NOT NULL,
	id         text NOT NULL,
	data       text NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS docs_glyph_idx ON docs (collection, json_extract(data, '$.glyphId'));
`

// _fieldRE restricts field names interpolated into json_extract paths.
var _fieldRE = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// _stampLayout is RFC 3339 with fixed nine-digit fractional seconds.
// time.RFC3339Nano trims trailing zeros, which breaks the lexical
// ordering ScanOrdered relies on.
const _stampLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a DocStore backed by an embedded SQLite database. Good
// for single-node deployments; multi-writer setups want PGStore.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ DocStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY churn under concurrent batches.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(_sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM docs WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return data, nil
}

// resolveFields replaces sentinel operands with concrete values. prev is
// the existing document, or nil for a fresh set.
func (s *SQLiteStore) resolveFields(fields, prev map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range fields {
		switch v := v.(type) {
		case serverTimestamp:
			out[k] = s.now().UTC().Format(_stampLayout)
		case increment:
			out[k] = asInt64(prev[k]) + v.delta
		default:
			out[k] = v
		}
	}
	return out
}

func (s *SQLiteStore) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	raw, err := json.Marshal(s.resolveFields(fields, nil))
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO docs (collection, id, data) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data`,
		collection, id, string(raw),
	)
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateInTx(ctx, tx, collection, id, fields, s.resolveFields); err != nil {
		return err
	}
	return tx.Commit()
}

// updateInTx merges fields into an existing document, read-modify-write.
// The surrounding immediate transaction provides the atomicity.
func updateInTx(ctx context.Context, tx *sql.Tx, collection, id string, fields map[string]any, resolve func(fields, prev map[string]any) map[string]any) error {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM docs WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("updating %s/%s: %w", collection, id, errNotFound)
	}
	if err != nil {
		return err
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	for k, v := range resolve(fields, data) {
		data[k] = v
	}

	merged, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE docs SET data = ? WHERE collection = ? AND id = ?`,
		string(merged), collection, id,
	)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM docs WHERE collection = ? AND id = ?`, collection, id)
	return err
}

func (s *SQLiteStore) Scan(ctx context.Context, collection, field string, value any) ([]Doc, error) {
	query, args, err := sqliteScan("id, data", collection, field, value)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDocs(rows)
}

func (s *SQLiteStore) Count(ctx context.Context, collection, field string, value any) (int64, error) {
	query, args, err := sqliteScan("count(*)", collection, field, value)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ScanOrdered(ctx context.Context, collection, field string, desc bool, limit int) ([]Doc, error) {
	if !_fieldRE.MatchString(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}
	// SQLite sorts NULL (missing field) first ascending and last
	// descending, and ISO timestamp strings lexically, both of which match
	// the store contract.
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	query := fmt.Sprintf(
		`SELECT id, data FROM docs WHERE collection = ? ORDER BY json_extract(data, '$.%s') %s`,
		field, dir,
	)
	args := []any{collection}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDocs(rows)
}

func (s *SQLiteStore) Batch() WriteBatch {
	return &sqliteBatch{store: s}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteScan(selection, collection, field string, value any) (string, []any, error) {
	if field == "" {
		return `SELECT ` + selection + ` FROM docs WHERE collection = ?`, []any{collection}, nil
	}
	if !_fieldRE.MatchString(field) {
		return "", nil, fmt.Errorf("invalid field name %q", field)
	}
	query := fmt.Sprintf(`SELECT %s FROM docs WHERE collection = ? AND json_extract(data, '$.%s') = ?`, selection, field)
	return query, []any{collection, fmt.Sprint(value)}, nil
}

func collectDocs(rows *sql.Rows) ([]Doc, error) {
	var docs []Doc
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}
		docs = append(docs, Doc{ID: id, Data: data})
	}
	return docs, rows.Err()
}

type sqliteBatch struct {
	store *SQLiteStore
	ops   []writeOp
}

func (b *sqliteBatch) Set(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, writeOp{kind: opSet, collection: collection, id: id, data: fields})
}

func (b *sqliteBatch) Update(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, writeOp{kind: opUpdate, collection: collection, id: id, data: fields})
}

func (b *sqliteBatch) Delete(collection, id string) {
	b.ops = append(b.ops, writeOp{kind: opDelete, collection: collection, id: id})
}

func (b *sqliteBatch) Len() int { return len(b.ops) }

func (b *sqliteBatch) Commit(ctx context.Context) error {
	if len(b.ops) > _maxBatchOps {
		return fmt.Errorf("batch of %d exceeds the %d-op limit", len(b.ops), _maxBatchOps)
	}

	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range b.ops {
		switch op.kind {
		case opSet:
			raw, err := json.Marshal(b.store.resolveFields(op.data, nil))
			if err != nil {
				return fmt.Errorf("encoding document: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO docs (collection, id, data) VALUES (?, ?, ?)
				 ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data`,
				op.collection, op.id, string(raw),
			)
			if err != nil {
				return err
			}
		case opUpdate:
			if err := updateInTx(ctx, tx, op.collection, op.id, op.data, b.store.resolveFields); err != nil {
				return err
			}
		case opDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE collection = ? AND id = ?`, op.collection, op.id); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	b.ops = nil
	return nil
}
