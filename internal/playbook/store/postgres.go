package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/llmrtc/llmrtc/internal/playbook"
)

// Schema is the SQL DDL for the playbook_definitions table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS playbook_definitions (
    name        TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    initial     TEXT NOT NULL,
    stages      JSONB NOT NULL DEFAULT '[]',
    transitions JSONB NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
// It serialises the stage and transition lists as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// playbook_definitions table if it does not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Create inserts a new playbook definition. It validates the definition and
// returns an error if a playbook with the same name already exists.
func (s *PostgresStore) Create(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	stagesJSON, transitionsJSON, err := marshalGraph(def)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO playbook_definitions (name, description, initial, stages, transitions)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		def.Name, def.Description, def.Initial, stagesJSON, transitionsJSON,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: playbook %q already exists", def.Name)
		}
		return fmt.Errorf("store: create: %w", err)
	}
	return nil
}

// Get retrieves a playbook definition by name. It returns (nil, nil) if no
// playbook with the given name exists.
func (s *PostgresStore) Get(ctx context.Context, name string) (*Definition, error) {
	const query = `
		SELECT name, description, initial, stages, transitions, created_at, updated_at
		FROM playbook_definitions
		WHERE name = $1`

	var def Definition
	var stagesJSON, transitionsJSON []byte

	err := s.db.QueryRow(ctx, query, name).Scan(
		&def.Name, &def.Description, &def.Initial,
		&stagesJSON, &transitionsJSON, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get %q: %w", name, err)
	}

	if err := unmarshalGraph(&def, stagesJSON, transitionsJSON); err != nil {
		return nil, err
	}
	return &def, nil
}

// Update replaces an existing playbook definition. It validates the new
// definition and returns an error if the playbook is not found.
func (s *PostgresStore) Update(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	stagesJSON, transitionsJSON, err := marshalGraph(def)
	if err != nil {
		return err
	}

	const query = `
		UPDATE playbook_definitions SET
			description = $2, initial = $3, stages = $4, transitions = $5,
			updated_at = now()
		WHERE name = $1
		RETURNING updated_at`

	err = s.db.QueryRow(ctx, query,
		def.Name, def.Description, def.Initial, stagesJSON, transitionsJSON,
	).Scan(&def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: playbook %q not found", def.Name)
		}
		return fmt.Errorf("store: update: %w", err)
	}
	return nil
}

// Delete removes a playbook definition by name. Deleting a non-existent
// playbook is not an error.
func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	const query = `DELETE FROM playbook_definitions WHERE name = $1`
	_, err := s.db.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", name, err)
	}
	return nil
}

// List returns all playbook definitions ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]Definition, error) {
	const query = `
		SELECT name, description, initial, stages, transitions, created_at, updated_at
		FROM playbook_definitions
		ORDER BY name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var def Definition
		var stagesJSON, transitionsJSON []byte

		if err := rows.Scan(
			&def.Name, &def.Description, &def.Initial,
			&stagesJSON, &transitionsJSON, &def.CreatedAt, &def.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}

		if err := unmarshalGraph(&def, stagesJSON, transitionsJSON); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return defs, nil
}

// Upsert creates or replaces a playbook definition. This is useful for
// importing definitions from YAML files. The definition is validated before
// persistence.
func (s *PostgresStore) Upsert(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	stagesJSON, transitionsJSON, err := marshalGraph(def)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO playbook_definitions (name, description, initial, stages, transitions)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			initial = EXCLUDED.initial,
			stages = EXCLUDED.stages,
			transitions = EXCLUDED.transitions,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		def.Name, def.Description, def.Initial, stagesJSON, transitionsJSON,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert: %w", err)
	}
	return nil
}

// marshalGraph serialises the stage and transition lists for the JSONB
// columns. Nil slices become "[]" rather than "null".
func marshalGraph(def *Definition) (stages, transitions []byte, err error) {
	s := def.Stages
	if s == nil {
		s = []playbook.Stage{}
	}
	stages, err = json.Marshal(s)
	if err != nil {
		return nil, nil, fmt.Errorf("store: marshal stages: %w", err)
	}

	t := def.Transitions
	if t == nil {
		t = []playbook.Transition{}
	}
	transitions, err = json.Marshal(t)
	if err != nil {
		return nil, nil, fmt.Errorf("store: marshal transitions: %w", err)
	}
	return stages, transitions, nil
}

// unmarshalGraph deserialises the JSONB columns into the definition.
func unmarshalGraph(def *Definition, stages, transitions []byte) error {
	if err := json.Unmarshal(stages, &def.Stages); err != nil {
		return fmt.Errorf("store: unmarshal stages: %w", err)
	}
	if err := json.Unmarshal(transitions, &def.Transitions); err != nil {
		return fmt.Errorf("store: unmarshal transitions: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
