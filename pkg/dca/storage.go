package dca

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const DefaultStorageFileName = ".swapdesk-dca.json"

// Storage persists positions in a JSON file
type Storage struct {
	filePath string
	mu       sync.RWMutex
	items    map[string]*Position
}

type storageFile struct {
	Positions map[string]*Position `json:"positions"`
}

// NewStorage opens the file at filePath, defaulting to the home directory.
// A missing file is created on first write.
func NewStorage(filePath string) (*Storage, error) {
	if filePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		filePath = filepath.Join(home, DefaultStorageFileName)
	}

	s := &Storage{
		filePath: filePath,
		items:    make(map[string]*Position),
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	return s, nil
}

func (s *Storage) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}
	var f storageFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to unmarshal positions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Positions != nil {
		s.items = f.Positions
	}
	return nil
}

// saveLocked writes a temp file and renames it over the store
func (s *Storage) saveLocked() error {
	data, err := json.MarshalIndent(storageFile{Positions: s.items}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal positions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write positions: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Put inserts or replaces a position
func (s *Storage) Put(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[p.ID] = &p
	return s.saveLocked()
}

// Get returns a copy of the position with id
func (s *Storage) Get(id string) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.items[id]
	if !ok {
		return Position{}, fmt.Errorf("position '%s': %w", id, ErrPositionNotFound)
	}
	return *p, nil
}

// Delete removes a position
func (s *Storage) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("position '%s': %w", id, ErrPositionNotFound)
	}
	delete(s.items, id)
	return s.saveLocked()
}

// List returns the positions of owner, oldest first. An empty owner lists all.
func (s *Storage) List(owner string) []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.items))
	for _, p := range s.items {
		if owner == "" || p.Owner == owner {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Apply runs fn over the positions of owner under the write lock and saves
// when fn reports a change
func (s *Storage) Apply(owner string, fn func(items map[string]*Position) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := make(map[string]*Position)
	for id, p := range s.items {
		if p.Owner == owner {
			view[id] = p
		}
	}
	if !fn(view) {
		return nil
	}
	for id, p := range s.items {
		if p.Owner == owner {
			if _, kept := view[id]; !kept {
				delete(s.items, id)
			}
		}
	}
	for id, p := range view {
		s.items[id] = p
	}
	return s.saveLocked()
}

// Path returns the storage file path
func (s *Storage) Path() string {
	return s.filePath
}
