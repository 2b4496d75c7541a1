package chaosstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/darwin-demo/store/observability"
)

// DefaultStateFile is where both processes look for the shared state.
const DefaultStateFile = "/tmp/chaos_state.json"

// FileStore persists the chaos state as one JSON file. Writes go to a temp
// file in the same directory and are renamed over the canonical path, so a
// reader in another process sees either the old or the new state, never a
// torn one.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore returns a store backed by path. The directory must exist.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultStateFile
	}
	return &FileStore{path: path, now: time.Now}
}

// Path returns the canonical state file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) readOnce() (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		observability.StateStoreCorruptReads.WithLabelValues("file").Inc()
		return State{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return st, nil
}

// Read returns the persisted state, retrying on unreadable or corrupt content.
func (s *FileStore) Read(ctx context.Context) State {
	return readWithRetry(ctx, "file", s.readOnce)
}

// Write atomically replaces the persisted state.
func (s *FileStore) Write(_ context.Context, st State) error {
	dir := filepath.Dir(s.path)
	f, err := os.CreateTemp(dir, ".chaos_state_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state in %s: %w", dir, err)
	}
	tmp := f.Name()

	if err := json.NewEncoder(f).Encode(st); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state into place: %w", err)
	}
	return nil
}

// Update reads the state, applies fn and writes the result back.
func (s *FileStore) Update(ctx context.Context, fn func(*State)) (State, error) {
	cycle := func() (State, error) {
		st := s.Read(ctx)
		fn(&st)
		if err := s.Write(ctx, st); err != nil {
			return st, err
		}
		return st, nil
	}
	write := func(st State) error { return s.Write(ctx, st) }
	return updateWithRetry(ctx, "file", cycle, write, fn)
}

// RecordRequest counts one request outcome into the rolling window.
func (s *FileStore) RecordRequest(ctx context.Context, isError bool) error {
	now := s.now()
	_, err := s.Update(ctx, func(st *State) { st.Record(now, isError) })
	if err != nil {
		log.Printf("[STATE] Failed to record request outcome: %v", err)
	}
	return err
}
