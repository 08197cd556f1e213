package authz

import (
	"context"
	"database/sql"
)

// PostgresStore persists actors in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed actor store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)

// Create stores a new actor
func (p *PostgresStore) Create(ctx context.Context, actor *Actor) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO actors (id, name, role, suspended, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, actor.ID, actor.Name, string(actor.Role), actor.Suspended, actor.CreatedAt)
	return err
}

// Get retrieves an actor by ID
func (p *PostgresStore) Get(ctx context.Context, id string) (*Actor, error) {
	actor := &Actor{}
	var role string

	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, role, suspended, created_at
		FROM actors WHERE id = $1
	`, id).Scan(&actor.ID, &actor.Name, &role, &actor.Suspended, &actor.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownActor
	}
	if err != nil {
		return nil, err
	}

	actor.Role = Role(role)
	return actor, nil
}

// Update updates an actor's mutable fields
func (p *PostgresStore) Update(ctx context.Context, actor *Actor) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE actors SET name = $1, role = $2, suspended = $3 WHERE id = $4
	`, actor.Name, string(actor.Role), actor.Suspended, actor.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownActor
	}
	return nil
}

// List retrieves all actors
func (p *PostgresStore) List(ctx context.Context) ([]*Actor, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, role, suspended, created_at
		FROM actors ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var actors []*Actor
	for rows.Next() {
		actor := &Actor{}
		var role string
		if err := rows.Scan(&actor.ID, &actor.Name, &role, &actor.Suspended, &actor.CreatedAt); err != nil {
			return nil, err
		}
		actor.Role = Role(role)
		actors = append(actors, actor)
	}
	return actors, rows.Err()
}
