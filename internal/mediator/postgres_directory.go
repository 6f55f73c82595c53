package mediator

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresDirectory persists mediators in PostgreSQL. Reserve and Release
// use conditional updates so concurrent assignments cannot overrun the
// case-load cap.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a PostgreSQL-backed directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Upsert(ctx context.Context, p *Profile) error {
	specJSON, _ := json.Marshal(p.Specializations)
	if p.Specializations == nil {
		specJSON = []byte("[]")
	}
	availability := p.Availability
	if availability == "" {
		availability = Available
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO mediators (id, name, specializations, availability, active_cases, resolved_cases)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			specializations = EXCLUDED.specializations,
			availability = EXCLUDED.availability,
			updated_at = NOW()`,
		p.ID, p.Name, specJSON, string(availability), p.ActiveCases, p.ResolvedCases,
	)
	return err
}

const mediatorColumns = `id, name, specializations, availability, active_cases, resolved_cases, created_at, updated_at`

func (d *PostgresDirectory) Get(ctx context.Context, id string) (*Profile, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+mediatorColumns+` FROM mediators WHERE id = $1`, id)

	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (d *PostgresDirectory) ListAvailable(ctx context.Context, category string, limit int) ([]*Profile, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+mediatorColumns+`
		FROM mediators
		WHERE availability = 'available'
		  AND (specializations = '[]'::jsonb OR specializations @> to_jsonb(ARRAY[$1::text]))
		ORDER BY active_cases ASC, id ASC
		LIMIT $2`, category, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (d *PostgresDirectory) Reserve(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE mediators SET
			active_cases = active_cases + 1,
			availability = CASE WHEN active_cases + 1 >= $2 THEN 'busy' ELSE availability END,
			updated_at = NOW()
		WHERE id = $1
		  AND availability = 'available'
		  AND active_cases < $2`, id, MaxActiveCases)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := d.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM mediators WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrBusy
	}
	return nil
}

func (d *PostgresDirectory) Release(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE mediators SET
			active_cases = GREATEST(active_cases - 1, 0),
			resolved_cases = resolved_cases + 1,
			availability = CASE
				WHEN availability = 'busy' AND active_cases - 1 < $2 THEN 'available'
				ELSE availability
			END,
			updated_at = NOW()
		WHERE id = $1`, id, MaxActiveCases)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(s scanner) (*Profile, error) {
	p := &Profile{}
	var (
		specJSON     []byte
		availability string
	)
	err := s.Scan(&p.ID, &p.Name, &specJSON, &availability,
		&p.ActiveCases, &p.ResolvedCases, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Availability = Availability(availability)
	if len(specJSON) > 0 {
		_ = json.Unmarshal(specJSON, &p.Specializations)
	}
	return p, nil
}
