package vault

import (
	"context"
	"sync"
	"time"
)

// MemoryVault keeps raw payloads only in process memory. It trades draft
// recovery after a restart for a hard no-persistence guarantee: nothing it
// holds ever touches durable storage. Selectable independently of the
// sqlite vault.
type MemoryVault struct {
	mu      sync.Mutex
	records map[string]memRecord
	opts    Options
}

type memRecord struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemory creates an empty memory-only vault.
func NewMemory(opts Options) *MemoryVault {
	return &MemoryVault{records: make(map[string]memRecord), opts: opts.withDefaults()}
}

func (m *MemoryVault) Save(_ context.Context, sessionID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.records[sessionID] = memRecord{
		payload:   cp,
		expiresAt: m.opts.Clock.Now().Add(m.opts.TTL),
	}
	return nil
}

func (m *MemoryVault) Load(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok || !m.opts.Clock.Now().Before(rec.expiresAt) {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(rec.payload))
	copy(cp, rec.payload)
	return cp, nil
}

func (m *MemoryVault) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

// Shred zeroes the payload before dropping it. With no durable copy this
// is equivalent to Purge of a single session.
func (m *MemoryVault) Shred(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[sessionID]; ok {
		for i := range rec.payload {
			rec.payload[i] = 0
		}
		delete(m.records, sessionID)
	}
	return nil
}

func (m *MemoryVault) PurgeExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Clock.Now()
	n := 0
	for id, rec := range m.records {
		if !now.Before(rec.expiresAt) {
			for i := range rec.payload {
				rec.payload[i] = 0
			}
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// PurgeAll destructively drops every record, zeroing payloads first. This
// is the idle-memory-purge path of the live-view supervisor.
func (m *MemoryVault) PurgeAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records)
	for id, rec := range m.records {
		for i := range rec.payload {
			rec.payload[i] = 0
		}
		delete(m.records, id)
	}
	return n
}

func (m *MemoryVault) Close() error {
	m.PurgeAll()
	return nil
}
