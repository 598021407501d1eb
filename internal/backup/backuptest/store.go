// Package backuptest provides in-memory collaborators for exercising the
// backup engine without GitHub or S3.
package backuptest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/schaermu/ghbackup/internal/backup"
)

// Object is a stored object
type Object struct {
	Body         []byte
	LastModified time.Time
	// Expires is the scheduled expiration, zero when the object never expires
	Expires time.Time
	Options backup.WriteOptions
}

// MemoryStore is a backup.Store that keeps the current version of every key
// in memory. Existence honours ExpireThreshold the same way the S3 store does.
type MemoryStore struct {
	ExpireThreshold time.Duration

	clock clock.Clock

	mu        sync.Mutex
	objects   map[string]*Object
	writes    []string
	failWrite func(key string) error
	failExist func(key string) error
}

// NewMemoryStore creates an empty store using clk for modification times
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryStore{
		clock:   clk,
		objects: make(map[string]*Object),
	}
}

// Put seeds an object without counting it as a write
func (s *MemoryStore) Put(key, body string, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &Object{Body: []byte(body), LastModified: modified}
}

// SetExpiry schedules the expiration of an existing object
func (s *MemoryStore) SetExpiry(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[key]; ok {
		obj.Expires = at
	}
}

// FailWrites makes Write return the error fn returns for a key, if any
func (s *MemoryStore) FailWrites(fn func(key string) error) {
	s.mu.Lock()
	s.failWrite = fn
	s.mu.Unlock()
}

// FailExists makes Exists return the error fn returns for a key, if any
func (s *MemoryStore) FailExists(fn func(key string) error) {
	s.mu.Lock()
	s.failExist = fn
	s.mu.Unlock()
}

// Writes returns the keys written so far, in order
func (s *MemoryStore) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// ResetWrites forgets the recorded writes but keeps the objects
func (s *MemoryStore) ResetWrites() {
	s.mu.Lock()
	s.writes = nil
	s.mu.Unlock()
}

// Keys returns every stored key under prefix, sorted
func (s *MemoryStore) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Object returns a copy of the object stored under key
func (s *MemoryStore) Object(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, false
	}
	return *obj, true
}

// Exists implements backup.Store
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failExist != nil {
		if err := s.failExist(key); err != nil {
			return false, err
		}
	}
	obj, ok := s.objects[key]
	if !ok {
		return false, nil
	}
	if s.ExpireThreshold > 0 && !obj.Expires.IsZero() &&
		obj.Expires.Before(s.clock.Now().Add(s.ExpireThreshold)) {
		return false, nil
	}
	return true, nil
}

// ReadText implements backup.Store
func (s *MemoryStore) ReadText(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return "", fmt.Errorf("read %s: %w", key, backup.ErrNotFound)
	}
	return string(obj.Body), nil
}

// Write implements backup.Store
func (s *MemoryStore) Write(_ context.Context, key string, r io.Reader, opts backup.WriteOptions) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		if err := s.failWrite(key); err != nil {
			return err
		}
	}
	s.objects[key] = &Object{
		Body:         body,
		LastModified: s.clock.Now(),
		Options:      opts,
	}
	s.writes = append(s.writes, key)
	return nil
}

// LastModifiedUnder implements backup.Store
func (s *MemoryStore) LastModifiedUnder(_ context.Context, prefix string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) && obj.LastModified.After(last) {
			last = obj.LastModified
		}
	}
	return last, nil
}
