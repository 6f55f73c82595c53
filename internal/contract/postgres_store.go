package contract

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agroclear/agroclear/internal/money"
)

// PostgresStore persists contracts in PostgreSQL. Milestones, parties, and
// reconciliation queues are stored as JSONB; the version column carries the
// optimistic concurrency check.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	buyerJSON, _ := json.Marshal(c.Buyer)
	sellerJSON, _ := json.Marshal(c.Seller)
	milestonesJSON := marshalOrEmpty(c.Milestones)
	ledgerTxJSON := marshalOrEmpty(c.LedgerTxIDs)
	pendingJSON := marshalOrEmpty(c.PendingLedger)
	var disputeJSON []byte
	if c.Dispute != nil {
		disputeJSON, _ = json.Marshal(c.Dispute)
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contracts (
			id, buyer, seller, listing_id, product_description,
			total_amount, currency, payment_provider, milestones,
			funded_amount, released_amount, status, cancel_reason,
			ledger_tx_ids, pending_ledger, ledger_attempts, last_ledger_attempt,
			dispute, refund_attempts, last_refund_attempt,
			version, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20,
			$21, $22, $23, $24
		)`,
		c.ID, buyerJSON, sellerJSON, nullString(c.ListingID), nullString(c.ProductDescription),
		int64(c.TotalAmount), c.Currency, c.PaymentProvider, milestonesJSON,
		int64(c.FundedAmount), int64(c.ReleasedAmount), string(c.Status), nullString(c.CancelReason),
		ledgerTxJSON, pendingJSON, c.LedgerAttempts, nullTime(c.LastLedgerAttempt),
		disputeJSON, c.RefundAttempts, nullTime(c.LastRefundAttempt),
		c.Version, c.CreatedAt, c.UpdatedAt, nullTime(c.CompletedAt),
	)
	return err
}

const contractColumns = `id, buyer, seller, listing_id, product_description,
		       total_amount, currency, payment_provider, milestones,
		       funded_amount, released_amount, status, cancel_reason,
		       ledger_tx_ids, pending_ledger, ledger_attempts, last_ledger_attempt,
		       dispute, refund_attempts, last_refund_attempt,
		       version, created_at, updated_at, completed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)

	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// Update persists the contract only when the stored version matches
// c.Version, incrementing it atomically. A stale write returns
// ErrVersionConflict; the caller should reload and re-decide.
func (p *PostgresStore) Update(ctx context.Context, c *Contract) error {
	milestonesJSON := marshalOrEmpty(c.Milestones)
	ledgerTxJSON := marshalOrEmpty(c.LedgerTxIDs)
	pendingJSON := marshalOrEmpty(c.PendingLedger)
	var disputeJSON []byte
	if c.Dispute != nil {
		disputeJSON, _ = json.Marshal(c.Dispute)
	}
	c.UpdatedAt = time.Now()

	result, err := p.db.ExecContext(ctx, `
		UPDATE contracts SET
			milestones = $1, funded_amount = $2, released_amount = $3,
			status = $4, cancel_reason = $5,
			ledger_tx_ids = $6, pending_ledger = $7,
			ledger_attempts = $8, last_ledger_attempt = $9,
			dispute = $10, refund_attempts = $11, last_refund_attempt = $12,
			version = version + 1, updated_at = $13, completed_at = $14
		WHERE id = $15 AND version = $16`,
		milestonesJSON, int64(c.FundedAmount), int64(c.ReleasedAmount),
		string(c.Status), nullString(c.CancelReason),
		ledgerTxJSON, pendingJSON,
		c.LedgerAttempts, nullTime(c.LastLedgerAttempt),
		disputeJSON, c.RefundAttempts, nullTime(c.LastRefundAttempt),
		c.UpdatedAt, nullTime(c.CompletedAt),
		c.ID, c.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE buyer->>'id' = $1 OR seller->>'id' = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

// ListStuckReleases returns contracts holding at least one approved milestone
// whose release did not complete: either the payment went through and the
// ledger append never did, or the payment itself failed after at least one
// attempt.
func (p *PostgresStore) ListStuckReleases(ctx context.Context, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE status NOT IN ('cancelled', 'refunded')
		  AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(milestones) m
			WHERE m->>'status' = 'approved'
			  AND COALESCE(m->>'ledgerTxId', '') = ''
			  AND (COALESCE(m->>'paymentTxId', '') <> ''
			       OR COALESCE((m->>'releaseAttempts')::int, 0) > 0)
		  )
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

// ListPendingLedger returns contracts with queued ledger appends.
func (p *PostgresStore) ListPendingLedger(ctx context.Context, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE jsonb_array_length(pending_ledger) > 0
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(s scanner) (*Contract, error) {
	c := &Contract{}
	var (
		buyerJSON          []byte
		sellerJSON         []byte
		listingID          sql.NullString
		productDescription sql.NullString
		totalAmount        int64
		milestonesJSON     []byte
		fundedAmount       int64
		releasedAmount     int64
		status             string
		cancelReason       sql.NullString
		ledgerTxJSON       []byte
		pendingJSON        []byte
		lastLedgerAttempt  sql.NullTime
		disputeJSON        []byte
		lastRefundAttempt  sql.NullTime
		completedAt        sql.NullTime
	)

	err := s.Scan(
		&c.ID, &buyerJSON, &sellerJSON, &listingID, &productDescription,
		&totalAmount, &c.Currency, &c.PaymentProvider, &milestonesJSON,
		&fundedAmount, &releasedAmount, &status, &cancelReason,
		&ledgerTxJSON, &pendingJSON, &c.LedgerAttempts, &lastLedgerAttempt,
		&disputeJSON, &c.RefundAttempts, &lastRefundAttempt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	c.TotalAmount = money.Amount(totalAmount)
	c.FundedAmount = money.Amount(fundedAmount)
	c.ReleasedAmount = money.Amount(releasedAmount)
	c.Status = Status(status)
	c.ListingID = listingID.String
	c.ProductDescription = productDescription.String
	c.CancelReason = cancelReason.String
	if lastLedgerAttempt.Valid {
		c.LastLedgerAttempt = &lastLedgerAttempt.Time
	}
	if lastRefundAttempt.Valid {
		c.LastRefundAttempt = &lastRefundAttempt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal(buyerJSON, &c.Buyer)
	_ = json.Unmarshal(sellerJSON, &c.Seller)
	if len(milestonesJSON) > 0 {
		_ = json.Unmarshal(milestonesJSON, &c.Milestones)
	}
	if len(ledgerTxJSON) > 0 {
		_ = json.Unmarshal(ledgerTxJSON, &c.LedgerTxIDs)
	}
	if len(pendingJSON) > 0 {
		_ = json.Unmarshal(pendingJSON, &c.PendingLedger)
	}
	if len(disputeJSON) > 0 {
		_ = json.Unmarshal(disputeJSON, &c.Dispute)
	}

	return c, nil
}

func scanContracts(rows *sql.Rows) ([]*Contract, error) {
	var result []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func marshalOrEmpty(v interface{}) []byte {
	b, _ := json.Marshal(v)
	if b == nil || string(b) == "null" {
		return []byte("[]")
	}
	return b
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a nil *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
