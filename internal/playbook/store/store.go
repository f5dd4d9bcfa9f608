// Package store provides persistent storage and management for playbook
// definitions. A [Definition] is the full declarative configuration of one
// playbook — its stage graph, transition rules, and initial stage — and can
// be loaded from YAML files, stored in a PostgreSQL database, or both.
//
// The primary abstraction is the [Store] interface, which offers CRUD and
// list operations. The reference implementation [PostgresStore] stores
// definitions in a single playbook_definitions table using JSONB columns for
// the stage and transition lists. [MemoryStore] keeps everything in-process
// for deployments that load playbooks from files.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/llmrtc/llmrtc/internal/playbook"
)

// Definition is the full declarative configuration of one playbook.
type Definition struct {
	// Name is the unique identifier for this playbook definition.
	Name string `yaml:"name" json:"name"`

	// Description is free-text documentation shown in listings.
	Description string `yaml:"description" json:"description"`

	// Initial is the ID of the stage a conversation starts in.
	Initial string `yaml:"initial" json:"initial"`

	// Stages is the playbook's stage graph.
	Stages []playbook.Stage `yaml:"stages" json:"stages"`

	// Transitions are the rules that move a conversation between stages.
	Transitions []playbook.Transition `yaml:"transitions" json:"transitions"`

	// CreatedAt is the time the definition was first persisted.
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt is the time the definition was last modified.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the definition for logical consistency, including the full
// stage-graph validation of the embedded playbook. It returns a joined error
// describing every violation found, or nil if the definition is valid.
func (d *Definition) Validate() error {
	var errs []error

	if d.Name == "" {
		errs = append(errs, fmt.Errorf("store: name must not be empty"))
	}

	pb := playbook.Playbook{
		Initial:     d.Initial,
		Stages:      d.Stages,
		Transitions: d.Transitions,
	}
	if err := pb.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Compile validates the definition and returns the runnable playbook.
func (d *Definition) Compile() (*playbook.Playbook, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &playbook.Playbook{
		Initial:     d.Initial,
		Stages:      d.Stages,
		Transitions: d.Transitions,
	}, nil
}

// Store provides CRUD operations for playbook definitions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new definition. The definition is validated before
	// insertion. Returns an error if a playbook with the same name exists.
	Create(ctx context.Context, def *Definition) error

	// Get retrieves a definition by name. Returns (nil, nil) if not found.
	Get(ctx context.Context, name string) (*Definition, error)

	// Update replaces an existing definition. The definition is validated
	// before the update. Returns an error if the playbook is not found.
	Update(ctx context.Context, def *Definition) error

	// Delete removes a definition by name. Deleting a non-existent playbook
	// is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all definitions ordered by name.
	List(ctx context.Context) ([]Definition, error)

	// Upsert creates or replaces a definition (useful for YAML import).
	// The definition is validated before persistence.
	Upsert(ctx context.Context, def *Definition) error
}
