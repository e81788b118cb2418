package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// _pgSchema holds documents as jsonb rows. Server timestamps and counter
// increments are resolved inside Postgres so concurrent writers can't
// clobber each other.
const _pgSchema = `
CREATE TABLE IF NOT EXISTS docs (
	collection text NOT NULL,
	id         text NOT NULL,
	data       jsonb NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS docs_glyph_idx ON docs (collection, (data->>'glyphId'));
`

// Fragments shared by Set and Update. $-offsets differ per statement so the
// full queries are assembled below. Timestamps are rendered with a fixed
// six-digit fraction so they sort lexically in chronological order; plain
// to_jsonb(now()) trims trailing zeros.
const (
	_pgNow = `to_jsonb(to_char(now() AT TIME ZONE 'utc', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'))`

	_pgSet = `INSERT INTO docs (collection, id, data)
VALUES ($1, $2, $3::jsonb || COALESCE((SELECT jsonb_object_agg(f, ` + _pgNow + `) FROM unnest($4::text[]) AS f), '{}'::jsonb))
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data`

	_pgUpdate = `UPDATE docs SET data = data
|| $3::jsonb
|| COALESCE((SELECT jsonb_object_agg(f, ` + _pgNow + `) FROM unnest($4::text[]) AS f), '{}'::jsonb)
|| COALESCE((SELECT jsonb_object_agg(i.f, to_jsonb(COALESCE((docs.data->>i.f)::numeric, 0) + i.d)) FROM unnest($5::text[], $6::numeric[]) AS i(f, d)), '{}'::jsonb)
WHERE collection = $1 AND id = $2`

	_pgDelete = `DELETE FROM docs WHERE collection = $1 AND id = $2`
)

// PGStore is a DocStore backed by Postgres jsonb.
type PGStore struct {
	db *pgxpool.Pool
}

var _ DocStore = (*PGStore)(nil)

// NewPGStore connects to Postgres, applies the schema, and registers pool
// metrics. reg may be nil.
func NewPGStore(ctx context.Context, dsn string, reg *prometheus.Registry) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	if _, err := db.Exec(ctx, _pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	newDBMetrics(db, reg)
	return &PGStore{db: db}, nil
}

func (s *PGStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	var data map[string]any
	err := s.db.QueryRow(ctx,
		`SELECT data FROM docs WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *PGStore) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	query, args, err := setArgs(collection, id, fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, query, args...)
	return err
}

func (s *PGStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	query, args, err := updateArgs(collection, id, fields)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNotFound
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.Exec(ctx, _pgDelete, collection, id)
	return err
}

func (s *PGStore) Scan(ctx context.Context, collection, field string, value any) ([]Doc, error) {
	rows, err := s.db.Query(ctx, scanQuery("id, data", collection, field), scanArgs(collection, field, value)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var d Doc
		if err := rows.Scan(&d.ID, &d.Data); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *PGStore) Count(ctx context.Context, collection, field string, value any) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, scanQuery("count(*)", collection, field), scanArgs(collection, field, value)...).Scan(&n)
	return n, err
}

func (s *PGStore) ScanOrdered(ctx context.Context, collection, field string, desc bool, limit int) ([]Doc, error) {
	// jsonb ordering compares numbers numerically and ISO timestamps
	// lexically, which is chronological. Documents missing the field sort
	// first ascending, last descending.
	query := `SELECT id, data FROM docs WHERE collection = $1 ORDER BY data->$2 ASC NULLS FIRST`
	if desc {
		query = `SELECT id, data FROM docs WHERE collection = $1 ORDER BY data->$2 DESC NULLS LAST`
	}
	args := []any{collection, field}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var d Doc
		if err := rows.Scan(&d.ID, &d.Data); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *PGStore) Batch() WriteBatch {
	return &pgBatch{db: s.db}
}

func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

func scanQuery(selection, collection, field string) string {
	if field == "" {
		return `SELECT ` + selection + ` FROM docs WHERE collection = $1`
	}
	return `SELECT ` + selection + ` FROM docs WHERE collection = $1 AND data->>$2 = $3`
}

func scanArgs(collection, field string, value any) []any {
	if field == "" {
		return []any{collection}
	}
	return []any{collection, field, fmt.Sprint(value)}
}

// splitFields separates the sentinel operands out of a write's fields:
// plain values to merge, fields stamped with the database clock, and
// counter increments.
func splitFields(fields map[string]any) (plain map[string]any, stamps []string, incFields []string, incDeltas []int64) {
	plain = map[string]any{}
	for k, v := range fields {
		switch v := v.(type) {
		case serverTimestamp:
			stamps = append(stamps, k)
		case increment:
			incFields = append(incFields, k)
			incDeltas = append(incDeltas, v.delta)
		default:
			plain[k] = v
		}
	}
	return plain, stamps, incFields, incDeltas
}

func setArgs(collection, id string, fields map[string]any) (string, []any, error) {
	plain, stamps, incFields, _ := splitFields(fields)
	if len(incFields) > 0 {
		return "", nil, fmt.Errorf("set does not support increments")
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return "", nil, fmt.Errorf("encoding document: %w", err)
	}
	return _pgSet, []any{collection, id, string(data), stamps}, nil
}

func updateArgs(collection, id string, fields map[string]any) (string, []any, error) {
	plain, stamps, incFields, incDeltas := splitFields(fields)
	data, err := json.Marshal(plain)
	if err != nil {
		return "", nil, fmt.Errorf("encoding update: %w", err)
	}
	return _pgUpdate, []any{collection, id, string(data), stamps, incFields, incDeltas}, nil
}

// pgBatch queues writes and commits them in one transaction.
type pgBatch struct {
	db  *pgxpool.Pool
	ops []writeOp
	err error
}

func (b *pgBatch) Set(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, writeOp{kind: opSet, collection: collection, id: id, data: fields})
}

func (b *pgBatch) Update(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, writeOp{kind: opUpdate, collection: collection, id: id, data: fields})
}

func (b *pgBatch) Delete(collection, id string) {
	b.ops = append(b.ops, writeOp{kind: opDelete, collection: collection, id: id})
}

func (b *pgBatch) Len() int {
	return len(b.ops)
}

// Commit applies all queued writes atomically. An update against a missing
// document fails the whole batch.
func (b *pgBatch) Commit(ctx context.Context) error {
	if len(b.ops) > _maxBatchOps {
		return fmt.Errorf("batch of %d exceeds the %d-op limit", len(b.ops), _maxBatchOps)
	}

	batch := &pgx.Batch{}
	for _, op := range b.ops {
		switch op.kind {
		case opSet:
			query, args, err := setArgs(op.collection, op.id, op.data)
			if err != nil {
				return err
			}
			batch.Queue(query, args...)
		case opUpdate:
			query, args, err := updateArgs(op.collection, op.id, op.data)
			if err != nil {
				return err
			}
			batch.Queue(query, args...).Exec(func(tag pgconn.CommandTag) error {
				if tag.RowsAffected() == 0 {
					return fmt.Errorf("updating %s/%s: %w", op.collection, op.id, errNotFound)
				}
				return nil
			})
		case opDelete:
			batch.Queue(_pgDelete, op.collection, op.id)
		}
	}

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	b.ops = nil
	return nil
}
