package store

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"longterm/internal/codec"
	"longterm/internal/domain"
)

type memRecord struct {
	data []byte
	due  int64
}

// memoryStore keeps entries in process memory. For tests and single-process
// use; nothing survives a restart.
type memoryStore struct {
	mu     sync.Mutex
	byID   map[string]memRecord
	byTime map[int64][]string
}

func NewMemory() Store {
	return &memoryStore{byID: map[string]memRecord{}, byTime: map[int64][]string{}}
}

func openMemory(context.Context, string, Options) (Store, error) { return NewMemory(), nil }

func (m *memoryStore) Set(_ context.Context, dueAt time.Time, id string, p codec.Payload) error {
	if err := checkSet(dueAt, id); err != nil {
		return err
	}
	data, err := codec.Encode(p)
	if err != nil {
		return err
	}
	due := domain.Quantize(dueAt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[id]; ok {
		m.unindex(id, old.due)
	}
	m.byID[id] = memRecord{data: data, due: due}
	m.byTime[due] = append(m.byTime[due], id)
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (codec.Payload, error) {
	m.mu.Lock()
	rec, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return codec.Payload{}, notFound(id)
	}
	return codec.Decode(rec.data)
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return notFound(id)
	}
	delete(m.byID, id)
	m.unindex(id, rec.due)
	return nil
}

func (m *memoryStore) GetOlderThan(ctx context.Context, before time.Time) (iter.Seq2[domain.Entry, error], error) {
	limit := domain.Quantize(before)

	m.mu.Lock()
	keys := make([]int64, 0, len(m.byTime))
	for due := range m.byTime {
		if due <= limit {
			keys = append(keys, due)
		}
	}
	slices.Sort(keys)
	var snap []indexed
	for _, due := range keys {
		for _, id := range m.byTime[due] {
			snap = append(snap, indexed{id: id, due: due})
		}
	}
	m.mu.Unlock()

	return lazyEntries(ctx, snap, m.Get), nil
}

func (m *memoryStore) Close() error { return nil }

// unindex drops id from the bucket at due. Caller holds mu.
func (m *memoryStore) unindex(id string, due int64) {
	bucket := m.byTime[due]
	if i := slices.Index(bucket, id); i >= 0 {
		bucket = slices.Delete(bucket, i, i+1)
	}
	if len(bucket) == 0 {
		delete(m.byTime, due)
		return
	}
	m.byTime[due] = bucket
}
