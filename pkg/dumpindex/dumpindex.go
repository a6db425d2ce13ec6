// Package dumpindex optionally records metadata about every state dump
// written to disk (id, model version, byte size, creation time) for
// operational observability. State persistence across process restarts is
// explicitly out of scope, but indexing the dump *directory* the way an
// operator would want to audit it is in scope. When no DSN is configured
// the server runs with an in-memory index and no database dependency at
// all.
package dumpindex

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one dump's metadata.
type Record struct {
	DumpID    string
	Version   string
	ByteSize  int64
	CreatedAt time.Time
}

// Index records and queries dump metadata.
type Index interface {
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, dumpID string) error
	Get(ctx context.Context, dumpID string) (Record, bool, error)
	Close()
}

// memoryIndex is the zero-dependency default.
type memoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryIndex returns an in-process index with no external dependency.
func NewMemoryIndex() Index {
	return &memoryIndex{records: map[string]Record{}}
}

func (m *memoryIndex) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.DumpID] = rec
	return nil
}

func (m *memoryIndex) Delete(_ context.Context, dumpID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, dumpID)
	return nil
}

func (m *memoryIndex) Get(_ context.Context, dumpID string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[dumpID]
	return rec, ok, nil
}

func (m *memoryIndex) Close() {}

// pgIndex persists dump metadata to Postgres via pgx, with schema managed
// by golang-migrate (see migrations/). Queries are hand-written SQL rather
// than ent-generated code, since ent's generated client cannot be
// hand-authored without running `go generate` (see DESIGN.md).
type pgIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex connects to dsn and returns a Postgres-backed index.
// Callers should run the migrations in migrations/ before first use.
func NewPostgresIndex(ctx context.Context, dsn string) (Index, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &pgIndex{pool: pool}, nil
}

func (p *pgIndex) Put(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO dump_records (dump_id, version, byte_size, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dump_id) DO UPDATE SET version = $2, byte_size = $3, created_at = $4
	`, rec.DumpID, rec.Version, rec.ByteSize, rec.CreatedAt)
	return err
}

func (p *pgIndex) Delete(ctx context.Context, dumpID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM dump_records WHERE dump_id = $1`, dumpID)
	return err
}

func (p *pgIndex) Get(ctx context.Context, dumpID string) (Record, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT dump_id, version, byte_size, created_at FROM dump_records WHERE dump_id = $1`, dumpID)
	var rec Record
	if err := row.Scan(&rec.DumpID, &rec.Version, &rec.ByteSize, &rec.CreatedAt); err != nil {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (p *pgIndex) Close() { p.pool.Close() }
