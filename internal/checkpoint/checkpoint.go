// Package checkpoint persists collection progress: the index of the next vote
// to process, or the Done sentinel once every vote has been collected.
package checkpoint

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Sentinel is the file content marking a finished collection.
const Sentinel = "Done"

var ErrInvalid = errors.New("invalid checkpoint")

type State struct {
	Next int
	Done bool
}

func At(next int) State { return State{Next: next} }

func Finished() State { return State{Done: true} }

func (s State) String() string {
	if s.Done {
		return Sentinel
	}
	return strconv.Itoa(s.Next)
}

// Before reports whether s is strictly behind o.
func (s State) Before(o State) bool {
	if s.Done {
		return false
	}
	return o.Done || s.Next < o.Next
}

func Parse(raw string) (State, error) {
	raw = strings.TrimSpace(raw)
	if raw == Sentinel {
		return Finished(), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return State{}, errors.Wrapf(ErrInvalid, "%q", raw)
	}
	return At(n), nil
}

// Store loads and saves the checkpoint. Load reports ok=false when nothing has
// been saved yet.
type Store interface {
	Load() (s State, ok bool, err error)
	Save(s State) error
}

// FileStore keeps the checkpoint in a single text file.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

func (f *FileStore) Load() (State, bool, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, errors.Wrap(err, "read checkpoint")
	}
	s, err := Parse(string(data))
	if err != nil {
		return State{}, false, errors.WithHintf(err, "fix or delete %s", f.Path)
	}
	return s, true, nil
}

// Save replaces the file atomically so an interrupted write never leaves a
// truncated checkpoint behind.
func (f *FileStore) Save(s State) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return errors.Wrap(err, "create temp checkpoint")
	}
	if _, err := tmp.WriteString(s.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "replace checkpoint")
	}
	return nil
}

// MemoryStore is an in-process Store. It records every saved state.
type MemoryStore struct {
	mu      sync.Mutex
	state   State
	ok      bool
	History []State
}

func (m *MemoryStore) Load() (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.ok, nil
}

func (m *MemoryStore) Save(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state, m.ok = s, true
	m.History = append(m.History, s)
	return nil
}
