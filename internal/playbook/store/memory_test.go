package store

import (
	"context"
	"strings"
	"testing"

	"github.com/llmrtc/llmrtc/internal/playbook"
)

// validDefinition returns a minimal definition that passes validation.
func validDefinition(name string) *Definition {
	return &Definition{
		Name:        name,
		Description: "test playbook",
		Initial:     "greeting",
		Stages: []playbook.Stage{
			{ID: "greeting", Prompt: "Greet the caller."},
			{ID: "resolve", Prompt: "Resolve the issue."},
		},
		Transitions: []playbook.Transition{
			{From: "greeting", To: "resolve", Condition: playbook.ConditionLLMDecision},
		},
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	def := validDefinition("support")
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if def.CreatedAt.IsZero() || def.UpdatedAt.IsZero() {
		t.Error("Create should stamp CreatedAt and UpdatedAt")
	}

	got, err := s.Get(ctx, "support")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing playbook")
	}
	if got.Initial != "greeting" || len(got.Stages) != 2 {
		t.Errorf("Get returned wrong definition: %+v", got)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()

	got, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("Get for missing playbook should return nil, got %+v", got)
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, validDefinition("support")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, validDefinition("support"))
	if err == nil {
		t.Fatal("expected error for duplicate name, got nil")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("error should mention already exists, got: %v", err)
	}
}

func TestMemoryStore_CreateInvalid(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()

	def := validDefinition("broken")
	def.Initial = "nonexistent"
	if err := s.Create(context.Background(), def); err == nil {
		t.Fatal("expected validation error for unknown initial stage, got nil")
	}
}

func TestMemoryStore_Update(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	def := validDefinition("support")
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create: %v", err)
	}
	created := def.CreatedAt

	def.Description = "updated"
	if err := s.Update(ctx, def); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !def.CreatedAt.Equal(created) {
		t.Error("Update should preserve CreatedAt")
	}

	got, _ := s.Get(ctx, "support")
	if got.Description != "updated" {
		t.Errorf("description: got %q, want %q", got.Description, "updated")
	}
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()

	err := s.Update(context.Background(), validDefinition("ghost"))
	if err == nil {
		t.Fatal("expected error updating missing playbook, got nil")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error should mention not found, got: %v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, validDefinition("support")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "support"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ := s.Get(ctx, "support")
	if got != nil {
		t.Error("playbook should be gone after Delete")
	}

	// Deleting again is not an error.
	if err := s.Delete(ctx, "support"); err != nil {
		t.Errorf("Delete of missing playbook: %v", err)
	}
}

func TestMemoryStore_ListSorted(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := s.Create(ctx, validDefinition(name)); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}

	defs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("List returned %d definitions, want 3", len(defs))
	}
	if defs[0].Name != "alpha" || defs[1].Name != "mid" || defs[2].Name != "zeta" {
		t.Errorf("List not sorted by name: %v", []string{defs[0].Name, defs[1].Name, defs[2].Name})
	}
}

func TestMemoryStore_Upsert(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	def := validDefinition("support")
	if err := s.Upsert(ctx, def); err != nil {
		t.Fatalf("Upsert insert: %v", err)
	}
	created := def.CreatedAt

	def.Description = "replaced"
	if err := s.Upsert(ctx, def); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}
	if !def.CreatedAt.Equal(created) {
		t.Error("Upsert should preserve CreatedAt on replace")
	}

	got, _ := s.Get(ctx, "support")
	if got.Description != "replaced" {
		t.Errorf("description: got %q, want %q", got.Description, "replaced")
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, validDefinition("support")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := s.Get(ctx, "support")
	got.Stages[0].ID = "mutated"

	again, _ := s.Get(ctx, "support")
	if again.Stages[0].ID != "greeting" {
		t.Error("mutating a returned definition should not affect the store")
	}
}

func TestDefinition_Compile(t *testing.T) {
	t.Parallel()

	pb, err := validDefinition("support").Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if pb.Initial != "greeting" {
		t.Errorf("initial: got %q, want %q", pb.Initial, "greeting")
	}

	bad := validDefinition("bad")
	bad.Stages = nil
	if _, err := bad.Compile(); err == nil {
		t.Error("expected error compiling definition without stages")
	}
}

func TestDefinition_ValidateRequiresName(t *testing.T) {
	t.Parallel()

	def := validDefinition("")
	err := def.Validate()
	if err == nil {
		t.Fatal("expected error for empty name, got nil")
	}
	if !strings.Contains(err.Error(), "name") {
		t.Errorf("error should mention name, got: %v", err)
	}
}
