package cache

import (
	"context"
	"sync"
)

// NewMemoryStore 构建进程内 Store，进程退出即丢失，适合测试与临时运行。
func NewMemoryStore() Store {
	return &memoryStore{buckets: make(map[string]*memoryBucket)}
}

type memoryStore struct {
	mu      sync.RWMutex
	order   []string
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	name string

	mu      sync.RWMutex
	keys    []RequestKey
	entries map[RequestKey]*StoredResponse
}

func (s *memoryStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrBucketNameRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &memoryBucket{name: name, entries: make(map[RequestKey]*StoredResponse)}
	s.buckets[name] = b
	s.order = append(s.order, name)
	return b, nil
}

func (s *memoryStore) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}
	delete(s.buckets, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStore) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStore) Match(ctx context.Context, key RequestKey) (*StoredResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	buckets := make([]*memoryBucket, 0, len(s.order))
	for _, name := range s.order {
		buckets = append(buckets, s.buckets[name])
	}
	s.mu.RUnlock()

	for _, b := range buckets {
		if resp, err := b.Match(ctx, key); err == nil {
			return resp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) Close() error {
	return nil
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(ctx context.Context, key RequestKey) (*StoredResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	resp, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key RequestKey, resp *StoredResponse) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	snapshot := resp.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; ok {
		b.removeKey(key)
	}
	b.entries[key] = snapshot
	b.keys = append(b.keys, key)
	return nil
}

func (b *memoryBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	b.removeKey(key)
	return true, nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]RequestKey(nil), b.keys...), nil
}

// removeKey 需在持有写锁时调用。
func (b *memoryBucket) removeKey(key RequestKey) {
	for i, existing := range b.keys {
		if existing == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			return
		}
	}
}
