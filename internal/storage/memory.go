// Package storage contains the in-memory object store used by tests and by
// the "memory" storage driver. It mirrors S3 semantics closely enough for the
// relocation guarantees to be exercised without a network.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/VaultScan/internal/model"
)

var (
	// ErrNotFound is returned for a missing object; every ObjectStore backend
	// maps its own not-found error onto it so callers can use errors.Is.
	ErrNotFound = errors.New("object not found")
	// ErrNoSuchBucket is returned when the bucket itself does not exist.
	ErrNoSuchBucket = errors.New("bucket not found")
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStore keeps objects per bucket behind an RWMutex: lookups take the
// read lock, mutations the write lock.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]object
}

// NewMemoryStore constructs a MemoryStore with the given buckets created.
func NewMemoryStore(buckets ...string) *MemoryStore {
	m := &MemoryStore{buckets: make(map[string]map[string]object)}
	for _, b := range buckets {
		m.buckets[b] = make(map[string]object)
	}
	return m
}

// EnsureBuckets creates missing buckets.
func (m *MemoryStore) EnsureBuckets(_ context.Context, buckets ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range buckets {
		if _, ok := m.buckets[b]; !ok {
			m.buckets[b] = make(map[string]object)
		}
	}
	return nil
}

// Put stores a copy of the reader's contents.
func (m *MemoryStore) Put(_ context.Context, loc model.Location, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.buckets[loc.Bucket]
	if !ok {
		return fmt.Errorf("put %s: %w", loc, ErrNoSuchBucket)
	}
	bucket[loc.Key] = object{data: data, contentType: contentType, modified: time.Now().UTC()}
	return nil
}

// Get returns a reader over a copy of the object's bytes.
func (m *MemoryStore) Get(_ context.Context, loc model.Location) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, err := m.lookup(loc)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))), nil
}

// Copy duplicates src into dst. A missing source fails and leaves dst as it was.
func (m *MemoryStore) Copy(_ context.Context, src, dst model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(src)
	if err != nil {
		return err
	}
	bucket, ok := m.buckets[dst.Bucket]
	if !ok {
		return fmt.Errorf("copy to %s: %w", dst, ErrNoSuchBucket)
	}
	obj.data = bytes.Clone(obj.data)
	obj.modified = time.Now().UTC()
	bucket[dst.Key] = obj
	return nil
}

// Delete removes an object. Like S3, deleting a missing key succeeds.
func (m *MemoryStore) Delete(_ context.Context, loc model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.buckets[loc.Bucket]
	if !ok {
		return fmt.Errorf("delete %s: %w", loc, ErrNoSuchBucket)
	}
	delete(bucket, loc.Key)
	return nil
}

// Exists reports whether the object is present.
func (m *MemoryStore) Exists(_ context.Context, loc model.Location) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.lookup(loc)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Keys lists the keys in a bucket in lexical order.
func (m *MemoryStore) Keys(bucket string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.buckets[bucket]))
	for k := range m.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookup must be called with the lock held.
func (m *MemoryStore) lookup(loc model.Location) (object, error) {
	bucket, ok := m.buckets[loc.Bucket]
	if !ok {
		return object{}, fmt.Errorf("%s: %w", loc, ErrNoSuchBucket)
	}
	obj, ok := bucket[loc.Key]
	if !ok {
		return object{}, fmt.Errorf("%s: %w", loc, ErrNotFound)
	}
	return obj, nil
}
