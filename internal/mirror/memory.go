package mirror

import (
	"context"
	"sync"

	"github.com/bleepstore/bleeprelay/internal/queue"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	objects   map[string]map[string]*queue.ObjectMD
	buckets   map[string]bool
	bucketMds map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:   make(map[string]map[string]*queue.ObjectMD),
		buckets:   make(map[string]bool),
		bucketMds: make(map[string][]byte),
	}
}

func (s *MemoryStore) PutObjectNoVer(ctx context.Context, bucket, key string, md *queue.ObjectMD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects[bucket] == nil {
		s.objects[bucket] = make(map[string]*queue.ObjectMD)
	}
	cp := *md
	s.objects[bucket][key] = &cp
	return nil
}

func (s *MemoryStore) DeleteObjectNoVer(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects[bucket], key)
	return nil
}

func (s *MemoryStore) PutBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[name] = true
	return nil
}

func (s *MemoryStore) DeleteBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, name)
	delete(s.objects, name)
	return nil
}

func (s *MemoryStore) PutBucketMd(ctx context.Context, name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketMds[name] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// GetObject returns the stored metadata for a key, or nil. Test helper.
func (s *MemoryStore) GetObject(bucket, key string) *queue.ObjectMD {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[bucket][key]
}

// HasBucket reports whether a bucket record exists. Test helper.
func (s *MemoryStore) HasBucket(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buckets[name]
}

// GetBucketMd returns the stored bucket metadata, or nil. Test helper.
func (s *MemoryStore) GetBucketMd(name string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bucketMds[name]
}

// Ensure MemoryStore implements Store at compile time.
var _ Store = (*MemoryStore)(nil)
