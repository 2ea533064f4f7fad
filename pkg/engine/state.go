package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// stateFileVersion is the persisted state document version.
const stateFileVersion = 1

// State is the shared key/value store tasks use to pass data between each other
// and across process boundaries. It is not safe for concurrent use.
type State struct {
	values map[Key]any
}

// NewState creates a state positioned at the start of bootstrapping.
func NewState() *State {
	s := &State{values: make(map[Key]any)}
	s.values[KeyPhase] = PhaseBootstrapping
	return s
}

// Get returns the value stored under key.
func (s *State) Get(key Key) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (s *State) Set(key Key, value any) {
	s.values[key] = value
}

// TrySet stores value under key only if the key is absent and reports whether it did.
func (s *State) TrySet(key Key, value any) bool {
	if _, ok := s.values[key]; ok {
		return false
	}
	s.values[key] = value
	return true
}

// Delete removes key.
func (s *State) Delete(key Key) {
	delete(s.values, key)
}

// Keys returns the stored keys in sorted order.
func (s *State) Keys() []Key {
	keys := make([]Key, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Len returns the number of stored entries.
func (s *State) Len() int {
	return len(s.values)
}

// Phase returns the current phase, or PhaseBootstrapping when none is stored.
func (s *State) Phase() Phase {
	if p, ok := StateValue[Phase](s, KeyPhase); ok && p != "" {
		return p
	}
	return PhaseBootstrapping
}

// SetPhase stores the current phase.
func (s *State) SetPhase(p Phase) {
	s.values[KeyPhase] = p
}

// Clone returns a shallow copy of the state.
func (s *State) Clone() *State {
	c := &State{values: make(map[Key]any, len(s.values))}
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}

// StateValue returns the value under key when it holds a T.
func StateValue[T any](s *State, key Key) (T, bool) {
	var zero T
	v, ok := s.values[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// stateDocument is the persisted form of a State.
type stateDocument struct {
	Version int                   `json:"version"`
	SavedAt time.Time             `json:"saved_at"`
	Entries map[string]stateEntry `json:"entries"`
}

type stateEntry struct {
	Kind  valueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// Save writes the state to path atomically.
func (s *State) Save(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := stateDocument{
		Version: stateFileVersion,
		SavedAt: time.Now().UTC(),
		Entries: make(map[string]stateEntry, len(s.values)),
	}
	for k, v := range s.values {
		kind, raw, err := encodeValue(v)
		if err != nil {
			return NewValidationError(string(k), "state value cannot be persisted", err)
		}
		doc.Entries[string(k)] = stateEntry{Kind: kind, Value: raw}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", path, err)
	}
	return nil
}

// Load replaces the state's contents with the document stored at path.
func (s *State) Load(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	var doc stateDocument
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode state file %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("failed to decode state file %s: trailing content", path)
	}
	if doc.Version != stateFileVersion {
		return fmt.Errorf("unsupported state file version %d", doc.Version)
	}

	values := make(map[Key]any, len(doc.Entries))
	for k, e := range doc.Entries {
		v, err := decodeValue(e.Kind, e.Value)
		if err != nil {
			return NewValidationError(k, "state value cannot be restored", err)
		}
		values[Key(k)] = v
	}
	s.values = values
	return nil
}

// LoadState reads a state from path, or returns a fresh state when the file does not exist.
func LoadState(ctx context.Context, path string) (*State, error) {
	s := NewState()
	if err := s.Load(ctx, path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewState(), nil
		}
		return nil, err
	}
	return s, nil
}

// writeFileAtomic replaces path with data via a synced temp file and rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
