package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process [Store]. It backs deployments that load their
// playbooks from YAML files and is the standard test double for code that
// takes a [Store].
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]Definition)}
}

// Create inserts a new definition. Returns an error if a playbook with the
// same name already exists.
func (s *MemoryStore) Create(_ context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.defs[def.Name]; exists {
		return fmt.Errorf("store: playbook %q already exists", def.Name)
	}

	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now
	s.defs[def.Name] = clone(def)
	return nil
}

// Get retrieves a definition by name. Returns (nil, nil) if not found.
func (s *MemoryStore) Get(_ context.Context, name string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[name]
	if !ok {
		return nil, nil
	}
	out := clone(&def)
	return &out, nil
}

// Update replaces an existing definition. Returns an error if the playbook
// is not found.
func (s *MemoryStore) Update(_ context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.defs[def.Name]
	if !exists {
		return fmt.Errorf("store: playbook %q not found", def.Name)
	}

	def.CreatedAt = old.CreatedAt
	def.UpdatedAt = time.Now()
	s.defs[def.Name] = clone(def)
	return nil
}

// Delete removes a definition by name. Deleting a non-existent playbook is
// not an error.
func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
	return nil
}

// List returns all definitions ordered by name.
func (s *MemoryStore) List(_ context.Context) ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]Definition, 0, len(s.defs))
	for _, def := range s.defs {
		defs = append(defs, clone(&def))
	}
	slices.SortFunc(defs, func(a, b Definition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return defs, nil
}

// Upsert creates or replaces a definition.
func (s *MemoryStore) Upsert(_ context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if old, exists := s.defs[def.Name]; exists {
		def.CreatedAt = old.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	s.defs[def.Name] = clone(def)
	return nil
}

// clone deep-copies the definition's slices so callers cannot mutate stored
// state through retained references.
func clone(def *Definition) Definition {
	out := *def
	out.Stages = slices.Clone(def.Stages)
	out.Transitions = slices.Clone(def.Transitions)
	return out
}
