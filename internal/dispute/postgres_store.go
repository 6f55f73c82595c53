package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists dispute cases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed case store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c *Case) error {
	evidenceJSON, _ := json.Marshal(c.Evidence)
	if c.Evidence == nil {
		evidenceJSON = []byte("[]")
	}
	var resolutionJSON []byte
	if c.Resolution != nil {
		resolutionJSON, _ = json.Marshal(c.Resolution)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, contract_id, milestone_id, initiated_by, category, priority,
			description, evidence, status, mediator_id, resolution,
			opened_at, assigned_at, resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)`,
		c.ID, c.ContractID, nullString(c.MilestoneID), c.InitiatedBy,
		string(c.Category), string(c.Priority),
		nullString(c.Description), evidenceJSON, string(c.Status),
		nullString(c.MediatorID), resolutionJSON,
		c.OpenedAt, nullTime(c.AssignedAt), nullTime(c.ResolvedAt), c.UpdatedAt,
	)
	return err
}

const caseColumns = `id, contract_id, milestone_id, initiated_by, category, priority,
		       description, evidence, status, mediator_id, resolution,
		       opened_at, assigned_at, resolved_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Case, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM disputes WHERE id = $1`, id)

	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	return c, err
}

func (p *PostgresStore) Update(ctx context.Context, c *Case) error {
	evidenceJSON, _ := json.Marshal(c.Evidence)
	if c.Evidence == nil {
		evidenceJSON = []byte("[]")
	}
	var resolutionJSON []byte
	if c.Resolution != nil {
		resolutionJSON, _ = json.Marshal(c.Resolution)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			evidence = $1, status = $2, mediator_id = $3, resolution = $4,
			assigned_at = $5, resolved_at = $6, updated_at = $7
		WHERE id = $8`,
		evidenceJSON, string(c.Status), nullString(c.MediatorID), resolutionJSON,
		nullTime(c.AssignedAt), nullTime(c.ResolvedAt), c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (p *PostgresStore) ListByContract(ctx context.Context, contractID string) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM disputes
		WHERE contract_id = $1
		ORDER BY opened_at ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCases(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM disputes
		WHERE status <> 'resolved'
		ORDER BY CASE priority
			WHEN 'urgent' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			ELSE 3
		END, opened_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCases(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(s scanner) (*Case, error) {
	c := &Case{}
	var (
		milestoneID    sql.NullString
		category       string
		priority       string
		description    sql.NullString
		evidenceJSON   []byte
		status         string
		mediatorID     sql.NullString
		resolutionJSON []byte
		assignedAt     sql.NullTime
		resolvedAt     sql.NullTime
	)
	err := s.Scan(&c.ID, &c.ContractID, &milestoneID, &c.InitiatedBy, &category, &priority,
		&description, &evidenceJSON, &status, &mediatorID, &resolutionJSON,
		&c.OpenedAt, &assignedAt, &resolvedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.MilestoneID = milestoneID.String
	c.Category = Category(category)
	c.Priority = Priority(priority)
	c.Description = description.String
	c.Status = CaseStatus(status)
	c.MediatorID = mediatorID.String
	if assignedAt.Valid {
		c.AssignedAt = &assignedAt.Time
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &c.Evidence)
	}
	if len(resolutionJSON) > 0 {
		_ = json.Unmarshal(resolutionJSON, &c.Resolution)
	}
	return c, nil
}

func scanCases(rows *sql.Rows) ([]*Case, error) {
	var result []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
