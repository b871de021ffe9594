// Package storagetest provides an in-memory storage.Store with the same
// create-if-absent atomicity as a real backend, plus failure injection, for
// exercising the coordination protocol without network access.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"agentboot/internal/storage"
)

// Operation names passed to the Err hook.
const (
	OpEnsureBucket = "ensure-bucket"
	OpVerifyOwner  = "verify-owner"
	OpDownload     = "download"
	OpCopyIfAbsent = "copy-if-absent"
)

// Store is a concurrency-safe in-memory storage.Store.
type Store struct {
	// Err, when non-nil, is consulted before every operation; a non-nil
	// return fails the operation with that error.
	Err func(op string) error

	mu        sync.Mutex
	owners    map[string]string
	objects   map[string]map[string][]byte
	creations map[string]int
	downloads int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		owners:    make(map[string]string),
		objects:   make(map[string]map[string][]byte),
		creations: make(map[string]int),
	}
}

// Seed registers a bucket with the given owner.
func (s *Store) Seed(bucket, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[bucket] = owner
	if s.objects[bucket] == nil {
		s.objects[bucket] = make(map[string][]byte)
	}
}

// Put stores an object directly, bypassing the conditional-create path.
func (s *Store) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects[bucket] == nil {
		s.objects[bucket] = make(map[string][]byte)
	}
	s.objects[bucket][key] = append([]byte(nil), data...)
}

// Object returns a stored object's bytes.
func (s *Store) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Creations reports how many CopyIfAbsent calls actually created the object.
func (s *Store) Creations(bucket, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creations[bucket+"/"+key]
}

// Downloads reports the number of successful Download calls.
func (s *Store) Downloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads
}

func (s *Store) fail(op string) error {
	if s.Err == nil {
		return nil
	}
	return s.Err(op)
}

func (s *Store) EnsureBucket(ctx context.Context, bucket, projectID string) error {
	if err := s.fail(OpEnsureBucket); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[bucket]; ok {
		return nil
	}
	s.owners[bucket] = projectID
	s.objects[bucket] = make(map[string][]byte)
	return nil
}

func (s *Store) VerifyOwner(ctx context.Context, bucket, expected string) error {
	if err := s.fail(OpVerifyOwner); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[bucket]
	if !ok {
		return fmt.Errorf("bucket %q does not exist", bucket)
	}
	if owner != expected {
		return fmt.Errorf("bucket %q owned by %s, expected %s: %w", bucket, owner, expected, storage.ErrOwnerMismatch)
	}
	return nil
}

func (s *Store) Download(ctx context.Context, bucket, key string, dst io.Writer) (int64, error) {
	if err := s.fail(OpDownload); err != nil {
		return 0, err
	}
	s.mu.Lock()
	data, ok := s.objects[bucket][key]
	if ok {
		s.downloads++
		data = append([]byte(nil), data...)
	}
	s.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("download %s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	return io.Copy(dst, bytes.NewReader(data))
}

func (s *Store) CopyIfAbsent(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (bool, error) {
	if err := s.fail(OpCopyIfAbsent); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.objects[srcBucket][srcKey]
	if !ok {
		return false, fmt.Errorf("source %s/%s: %w", srcBucket, srcKey, storage.ErrNotFound)
	}
	if _, exists := s.objects[dstBucket][dstKey]; exists {
		return false, nil
	}
	if s.objects[dstBucket] == nil {
		s.objects[dstBucket] = make(map[string][]byte)
	}
	s.objects[dstBucket][dstKey] = append([]byte(nil), src...)
	s.creations[dstBucket+"/"+dstKey]++
	return true, nil
}
