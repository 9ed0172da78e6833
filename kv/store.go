// Package kv implements the key-stream store: the flat, "everything
// is a file" registry mapping string keys to either a broadcast pipe or a
// literal byte value. There is no directory structure — prefixes like
// "out/" are a convention enforced by actors, never by the store itself.
package kv

import (
	"context"
	"fmt"
	"sync"

	"github.com/ailets-dev/ailets-go/bpipe"
	"github.com/ailets-dev/ailets-go/errs"
	"github.com/ailets-dev/ailets-go/handle"
	"github.com/ailets-dev/ailets-go/notify"
)

// Store is the thread-safe key-stream registry. The zero value is not
// usable; construct with New.
type Store struct {
	queue *notify.Queue
	alloc *handle.Allocator

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	pipe *bpipe.Pipe
}

// New constructs an empty Store backed by queue for pipe notifications and
// alloc for minting reader/value handles.
func New(queue *notify.Queue, alloc *handle.Allocator) *Store {
	return &Store{queue: queue, alloc: alloc, entries: make(map[string]*entry)}
}

// PutPipe registers an existing pipe under key, replacing any prior entry.
// Used when an existing pipe needs to be addressable by name: the DAG
// store publishes each node's stdout under the node name, and the node
// runtime publishes its log/metrics/trace pipes as "<node-name>.log" etc.
func (s *Store) PutPipe(key string, p *bpipe.Pipe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{pipe: p}
}

// PutValue registers key as a literal byte buffer: logically a pipe that
// is already closed over the given contents: put_value behaves as if a
// pipe were opened and immediately closed with value as its sole write.
func (s *Store) PutValue(key string, value []byte) {
	writerID := s.alloc.Next()
	spaceID := s.alloc.Next()
	p := bpipe.New(s.queue, writerID, spaceID, fmt.Sprintf("kv:%s", key), 0)
	ctx := context.Background()
	_, _ = p.Write(ctx, value)
	_ = p.Close()
	s.PutPipe(key, p)
}

// Exists reports whether key has an entry.
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Delete removes key's entry, if any. It does not close the underlying
// pipe: callers that own the pipe's writer are responsible for that.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// OpenRead opens a new reader over key's pipe, starting at offset 0 (late
// join, per the pipe's own semantics). Returns an error if key is unknown.
func (s *Store) OpenRead(key string) (*bpipe.Reader, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NewGraphError("open_read", fmt.Sprintf("unknown key %q", key))
	}
	return e.pipe.Open(s.alloc.Next()), nil
}

// OpenWrite returns key's pipe for writing. Returns an error if key is
// unknown; callers that want a fresh writable stream under a new key
// should create the pipe themselves and call PutPipe first.
func (s *Store) OpenWrite(key string) (*bpipe.Pipe, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NewGraphError("open_write", fmt.Sprintf("unknown key %q", key))
	}
	return e.pipe, nil
}

// Keys returns a snapshot of every registered key, for debugging dumps.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}
