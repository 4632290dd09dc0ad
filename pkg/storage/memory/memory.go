// Package memory provides an in-memory object store implementation for
// testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Object is a stored object with its metadata.
type Object struct {
	Data        []byte
	Metadata    map[string]string
	ContentType string
}

// Store is an in-memory implementation of storage.ObjectStore for testing.
//
// Error injection: PutErr makes every Put fail; FailPart makes UploadPart
// fail for the given part number.
type Store struct {
	mu       sync.Mutex
	objects  map[string]Object
	sessions map[string]map[int][]byte // uploadID -> partNumber -> data
	nextID   int

	PutErr   error
	FailPart int

	puts    int
	aborted []string
}

// New creates a new in-memory object store.
func New() *Store {
	return &Store{
		objects:  make(map[string]Object),
		sessions: make(map[string]map[int][]byte),
	}
}

// Put stores a whole object.
func (s *Store) Put(ctx context.Context, key string, data []byte, metadata map[string]string, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.PutErr != nil {
		return s.PutErr
	}

	copied := make([]byte, len(data))
	copy(copied, data)

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	s.objects[key] = Object{Data: copied, Metadata: md, ContentType: contentType}
	s.puts++
	return nil
}

// BeginMultipart starts a multipart session.
func (s *Store) BeginMultipart(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	uploadID := fmt.Sprintf("upload-%d", s.nextID)
	s.sessions[uploadID] = make(map[int][]byte)
	return uploadID, nil
}

// UploadPart stores one part of a multipart session.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPart != 0 && partNumber == s.FailPart {
		return fmt.Errorf("injected part failure (part %d)", partNumber)
	}

	parts, ok := s.sessions[uploadID]
	if !ok {
		return fmt.Errorf("upload session %s not found", uploadID)
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	parts[partNumber] = copied
	return nil
}

// CompleteMultipart assembles parts in part-number order into the final
// object.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parts, ok := s.sessions[uploadID]
	if !ok {
		return fmt.Errorf("upload session %s not found", uploadID)
	}

	numbers := make([]int, 0, len(parts))
	for n := range parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var data []byte
	for _, n := range numbers {
		data = append(data, parts[n]...)
	}

	s.objects[key] = Object{Data: data, ContentType: "application/octet-stream"}
	delete(s.sessions, uploadID)
	return nil
}

// AbortMultipart cancels a session. Idempotent.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, uploadID)
	s.aborted = append(s.aborted, uploadID)
	return nil
}

// Object returns a stored object by key.
func (s *Store) Object(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Keys returns all stored object keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Aborted returns the upload ids of aborted multipart sessions.
func (s *Store) Aborted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

// OpenSessions returns the number of in-progress multipart sessions.
func (s *Store) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
