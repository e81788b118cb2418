package internal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// _maxBatchOps is the store's limit on operations per atomic batch.
const _maxBatchOps = 500

// serverTimestamp is a sentinel field value resolved to the store's clock
// when the write is applied.
type serverTimestamp struct{}

// ServerTimestamp marks a field to be stamped with the store's clock.
var ServerTimestamp = serverTimestamp{}

// increment is an update operand that atomically adjusts a numeric field.
type increment struct{ delta int64 }

// Inc returns an update operand that adds delta to a numeric field,
// treating a missing field as zero.
func Inc(delta int64) increment { return increment{delta} }

// Doc is a document together with its ID.
type Doc struct {
	ID   string
	Data map[string]any
}

// DocStore is the minimum capability this service needs from its document
// database. Implementations provide document-level concurrency control;
// callers get atomicity only through WriteBatch.
type DocStore interface {
	// Get returns the document, or errNotFound.
	Get(ctx context.Context, collection, id string) (map[string]any, error)
	// Set creates or fully replaces a document.
	Set(ctx context.Context, collection, id string, data map[string]any) error
	// Update applies field updates to an existing document. Values may be
	// plain values, Inc operands, or ServerTimestamp. Returns errNotFound
	// if the document does not exist.
	Update(ctx context.Context, collection, id string, updates map[string]any) error
	// Delete removes a document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, collection, id string) error
	// Scan returns documents whose field equals value. An empty field
	// matches every document in the collection.
	Scan(ctx context.Context, collection, field string, value any) ([]Doc, error)
	// Count is Scan without materializing documents.
	Count(ctx context.Context, collection, field string, value any) (int64, error)
	// ScanOrdered returns up to limit documents ordered by a field.
	// Documents missing the field sort first ascending and last descending.
	// limit <= 0 returns everything.
	ScanOrdered(ctx context.Context, collection, orderBy string, desc bool, limit int) ([]Doc, error)
	// Batch returns an empty write batch. Its operations are applied
	// all-or-nothing on Commit, up to 500 per batch.
	Batch() WriteBatch
	Close() error
}

// WriteBatch accumulates operations on distinct documents for an atomic
// commit.
type WriteBatch interface {
	Set(collection, id string, data map[string]any)
	Update(collection, id string, updates map[string]any)
	Delete(collection, id string)
	Len() int
	Commit(ctx context.Context) error
}

type opKind int

const (
	opSet opKind = iota + 1
	opUpdate
	opDelete
)

type writeOp struct {
	kind       opKind
	collection string
	id         string
	data       map[string]any
}

// newDocID generates a random document ID, like the hosted store would
// assign on create.
func newDocID() string {
	b := make([]byte, 10)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// MemStore is an in-memory DocStore. It backs local development (no hosted
// database required) and tests.
type MemStore struct {
	mu   sync.RWMutex
	cols map[string]map[string]map[string]any
	now  func() time.Time
}

var _ DocStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		cols: map[string]map[string]map[string]any{},
		now:  time.Now,
	}
}

func (m *MemStore) Get(_ context.Context, collection, id string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.cols[collection][id]
	if !ok {
		return nil, errNotFound
	}
	return maps.Clone(doc), nil
}

func (m *MemStore) Set(_ context.Context, collection, id string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(collection, id, data)
	return nil
}

func (m *MemStore) Update(_ context.Context, collection, id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(collection, id, updates)
}

func (m *MemStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cols[collection], id)
	return nil
}

func (m *MemStore) Scan(_ context.Context, collection, field string, value any) ([]Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []Doc
	for id, data := range m.cols[collection] {
		if field == "" || valueEqual(data[field], value) {
			docs = append(docs, Doc{ID: id, Data: maps.Clone(data)})
		}
	}
	slices.SortFunc(docs, func(a, b Doc) int { return strings.Compare(a.ID, b.ID) })
	return docs, nil
}

func (m *MemStore) Count(ctx context.Context, collection, field string, value any) (int64, error) {
	docs, err := m.Scan(ctx, collection, field, value)
	return int64(len(docs)), err
}

func (m *MemStore) ScanOrdered(_ context.Context, collection, orderBy string, desc bool, limit int) ([]Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make([]Doc, 0, len(m.cols[collection]))
	for id, data := range m.cols[collection] {
		docs = append(docs, Doc{ID: id, Data: maps.Clone(data)})
	}

	slices.SortFunc(docs, func(a, b Doc) int {
		c := compareValues(a.Data[orderBy], b.Data[orderBy])
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if desc {
			c = -c
		}
		return c
	})

	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *MemStore) Batch() WriteBatch {
	return &memBatch{store: m}
}

func (m *MemStore) Close() error { return nil }

// set and update assume m.mu is held.
func (m *MemStore) set(collection, id string, data map[string]any) {
	col, ok := m.cols[collection]
	if !ok {
		col = map[string]map[string]any{}
		m.cols[collection] = col
	}
	doc := map[string]any{}
	for k, v := range data {
		doc[k] = m.resolve(v, 0)
	}
	col[id] = doc
}

func (m *MemStore) update(collection, id string, updates map[string]any) error {
	doc, ok := m.cols[collection][id]
	if !ok {
		return errNotFound
	}
	for k, v := range updates {
		if inc, ok := v.(increment); ok {
			doc[k] = asInt64(doc[k]) + inc.delta
			continue
		}
		doc[k] = m.resolve(v, 0)
	}
	return nil
}

func (m *MemStore) resolve(v any, prev int64) any {
	switch vv := v.(type) {
	case serverTimestamp:
		return m.now().UTC()
	case increment:
		return prev + vv.delta
	default:
		return v
	}
}

type memBatch struct {
	store *MemStore
	ops   []writeOp
}

func (b *memBatch) Set(collection, id string, data map[string]any) {
	b.ops = append(b.ops, writeOp{kind: opSet, collection: collection, id: id, data: data})
}

func (b *memBatch) Update(collection, id string, updates map[string]any) {
	b.ops = append(b.ops, writeOp{kind: opUpdate, collection: collection, id: id, data: updates})
}

func (b *memBatch) Delete(collection, id string) {
	b.ops = append(b.ops, writeOp{kind: opDelete, collection: collection, id: id})
}

func (b *memBatch) Len() int { return len(b.ops) }

// Commit applies the batch all-or-nothing: update targets are validated
// before anything is written.
func (b *memBatch) Commit(_ context.Context) error {
	if len(b.ops) > _maxBatchOps {
		return fmt.Errorf("batch of %d exceeds %d operations", len(b.ops), _maxBatchOps)
	}

	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	for _, op := range b.ops {
		if op.kind != opUpdate {
			continue
		}
		if _, ok := b.store.cols[op.collection][op.id]; !ok {
			return fmt.Errorf("update %s/%s: %w", op.collection, op.id, errNotFound)
		}
	}

	for _, op := range b.ops {
		switch op.kind {
		case opSet:
			b.store.set(op.collection, op.id, op.data)
		case opUpdate:
			_ = b.store.update(op.collection, op.id, op.data)
		case opDelete:
			delete(b.store.cols[op.collection], op.id)
		}
	}
	return nil
}

// Document values arrive either natively (memory store) or as decoded JSON
// (SQL backends), so field access goes through these coercions.

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func asStrings(v any) []string {
	switch vs := v.(type) {
	case []string:
		return slices.Clone(vs)
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			out = append(out, asString(e))
		}
		return out
	default:
		return nil
	}
}

func valueEqual(a, b any) bool {
	if at, ok := asTime(a); ok {
		bt, ok := asTime(b)
		return ok && at.Equal(bt)
	}
	switch a.(type) {
	case int, int64, float64:
		return asInt64(a) == asInt64(b)
	}
	return a == b
}

// compareValues orders mixed document values: absent first, then times,
// numbers, and strings.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if at, aok := asTime(a); aok {
		if bt, bok := asTime(b); bok {
			return at.Compare(bt)
		}
	}
	switch a.(type) {
	case int, int64, float64:
		an, bn := asInt64(a), asInt64(b)
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(asString(a), asString(b))
}
