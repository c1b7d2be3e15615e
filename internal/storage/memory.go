package storage

import (
	"context"
	"sync"
	"time"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

// MemoryStore keeps records for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]doudian.TokenRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]doudian.TokenRecord),
		now:     time.Now,
	}
}

// WithClock sets the clock used to compute IsExpired in summaries.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Store(_ context.Context, key doudian.TokenKey, rec *doudian.TokenRecord) error {
	if rec == nil {
		return ErrNilRecord
	}
	if err := validateKey(key); err != nil {
		return err
	}
	key.Profile = normalizeProfile(key.Profile)

	m.mu.Lock()
	m.records[key.String()] = *rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key doudian.TokenKey) (*doudian.TokenRecord, error) {
	key.Profile = normalizeProfile(key.Profile)

	m.mu.RLock()
	rec, ok := m.records[key.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, key doudian.TokenKey) (bool, error) {
	key.Profile = normalizeProfile(key.Profile)
	k := key.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[k]; !ok {
		return false, nil
	}
	delete(m.records, k)
	return true, nil
}

func (m *MemoryStore) List(_ context.Context, profile string) (map[string]doudian.ShopSummary, error) {
	profile = normalizeProfile(profile)
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]doudian.ShopSummary)
	for k, rec := range m.records {
		key, ok := doudian.ParseTokenKey(k)
		if !ok || key.Profile != profile {
			continue
		}
		out[key.ShopID] = rec.Summary(now)
	}
	return out, nil
}

func (m *MemoryStore) Exists(_ context.Context, key doudian.TokenKey) (bool, error) {
	key.Profile = normalizeProfile(key.Profile)

	m.mu.RLock()
	_, ok := m.records[key.String()]
	m.mu.RUnlock()
	return ok, nil
}
