package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// MemoryStore is a sharded in-process Store. Each shard has its own lock so
// unrelated hashes never contend.
type MemoryStore struct {
	shards [shardCount]*memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]Record)}
	}
	return s
}

func (s *MemoryStore) shard(hash string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(hash))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Get(_ context.Context, hash string) (*Record, error) {
	sh := s.shard(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[hash]
	if !ok {
		return nil, nil
	}
	if !rec.live(s.now()) {
		delete(sh.records, hash)
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Acquire(_ context.Context, rec Record) (bool, error) {
	sh := s.shard(rec.Hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.records[rec.Hash]; ok && existing.live(s.now()) && existing.Status != StatusFailed {
		return false, nil
	}
	sh.records[rec.Hash] = rec
	return true, nil
}

func (s *MemoryStore) Finish(_ context.Context, rec Record) error {
	sh := s.shard(rec.Hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.records[rec.Hash]; ok && existing.live(s.now()) {
		rec.Components = existing.Components
		rec.CreatedAt = existing.CreatedAt
	}
	sh.records[rec.Hash] = rec
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for hash, rec := range sh.records {
			if !rec.live(now) {
				delete(sh.records, hash)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) Counts(_ context.Context) (map[Status]int, error) {
	now := s.now()
	counts := make(map[Status]int)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			if rec.live(now) {
				counts[rec.Status]++
			}
		}
		sh.mu.Unlock()
	}
	return counts, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.records = make(map[string]Record)
		sh.mu.Unlock()
	}
	return nil
}
