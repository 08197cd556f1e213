package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mensahq/landbridge/internal/pagination"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
// Schema is managed by the goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateTransaction inserts the transaction and its milestone plan in one
// database transaction. A unique index on offer_id enforces the
// one-transaction-per-offer rule.
func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction, milestones []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, offer_id, listing_id, buyer_id, seller_id,
			agreed_price_minor, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.OfferID, t.ListingID, t.BuyerID, t.SellerID,
		t.AgreedPriceMinor, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOfferAlreadyUsed
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	for _, m := range milestones {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO milestones (
				id, transaction_id, name, description, amount_minor,
				sort_order, requires_admin_approval, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, m.ID, m.TransactionID, m.Name, m.Description, m.AmountMinor,
			m.SortOrder, m.RequiresAdminApproval, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert milestone: %w", err)
		}
	}

	return tx.Commit()
}

const transactionColumns = `
	id, offer_id, listing_id, buyer_id, seller_id, agreed_price_minor,
	status, funded_at, verification_ends_at, closed_at, created_at, updated_at`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetTransactionByOffer(ctx context.Context, offerID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE offer_id = $1`, offerID)
	return scanTransaction(row)
}

// UpdateTransactionStatus is a guarded compare-and-set. Zero rows affected
// means either the row is gone (not found) or another writer changed the
// status first (conflict); a follow-up read disambiguates.
func (p *PostgresStore) UpdateTransactionStatus(ctx context.Context, id string, from, to Status, stamp StatusStamp) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1,
		    updated_at = $2,
		    funded_at = COALESCE($3, funded_at),
		    verification_ends_at = COALESCE($4, verification_ends_at),
		    closed_at = COALESCE($5, closed_at)
		WHERE id = $6 AND status = $7
	`, string(to), stamp.UpdatedAt,
		nullTime(stamp.FundedAt), nullTime(stamp.VerificationEndsAt), nullTime(stamp.ClosedAt),
		id, string(from))
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := p.GetTransaction(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ListTransactionsByParty(ctx context.Context, partyID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	var beforeAt sql.NullTime
	var beforeID sql.NullString
	if before != nil {
		beforeAt = sql.NullTime{Time: before.CreatedAt, Valid: true}
		beforeID = sql.NullString{String: before.ID, Valid: true}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE (buyer_id = $1 OR seller_id = $1)
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, partyID, beforeAt, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const milestoneColumns = `
	id, transaction_id, name, description, amount_minor, sort_order,
	requires_admin_approval, buyer_approved_at, seller_approved_at,
	admin_approved_at, completed_at, created_at, updated_at`

func (p *PostgresStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
	return scanMilestone(row)
}

func (p *PostgresStore) ListMilestones(ctx context.Context, transactionID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE transaction_id = $1
		ORDER BY sort_order
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	var out []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateMilestone(ctx context.Context, m *Milestone) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestones
		SET buyer_approved_at = $1,
		    seller_approved_at = $2,
		    admin_approved_at = $3,
		    completed_at = $4,
		    updated_at = $5
		WHERE id = $6
	`, nullTime(m.BuyerApprovedAt), nullTime(m.SellerApprovedAt),
		nullTime(m.AdminApprovedAt), nullTime(m.CompletedAt), m.UpdatedAt, m.ID)
	if err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

const disputeColumns = `
	id, transaction_id, raised_by, reason, status, outcome,
	resolution_notes, buyer_amount_minor, seller_amount_minor,
	resolved_at, created_at, updated_at`

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, transaction_id, raised_by, reason, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.TransactionID, d.RaisedBy, d.Reason, string(d.Status), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) GetOpenDispute(ctx context.Context, transactionID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE transaction_id = $1 AND status NOT IN ('RESOLVED', 'CLOSED')
		ORDER BY created_at
		LIMIT 1
	`, transactionID)
	return scanDispute(row)
}

func (p *PostgresStore) ListDisputesByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $1,
		    outcome = $2,
		    resolution_notes = $3,
		    buyer_amount_minor = $4,
		    seller_amount_minor = $5,
		    resolved_at = $6,
		    updated_at = $7
		WHERE id = $8
	`, string(d.Status), nullString(string(d.Outcome)), nullString(d.ResolutionNotes),
		nullInt64(d.BuyerAmountMinor), nullInt64(d.SellerAmountMinor),
		nullTime(d.ResolvedAt), d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var status string
	var fundedAt, verificationEndsAt, closedAt sql.NullTime
	err := row.Scan(&t.ID, &t.OfferID, &t.ListingID, &t.BuyerID, &t.SellerID,
		&t.AgreedPriceMinor, &status, &fundedAt, &verificationEndsAt, &closedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	t.Status = Status(status)
	t.FundedAt = timePtr(fundedAt)
	t.VerificationEndsAt = timePtr(verificationEndsAt)
	t.ClosedAt = timePtr(closedAt)
	return &t, nil
}

func scanMilestone(row rowScanner) (*Milestone, error) {
	var m Milestone
	var description sql.NullString
	var buyerAt, sellerAt, adminAt, completedAt sql.NullTime
	err := row.Scan(&m.ID, &m.TransactionID, &m.Name, &description, &m.AmountMinor,
		&m.SortOrder, &m.RequiresAdminApproval, &buyerAt, &sellerAt,
		&adminAt, &completedAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMilestoneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan milestone: %w", err)
	}
	m.Description = description.String
	m.BuyerApprovedAt = timePtr(buyerAt)
	m.SellerApprovedAt = timePtr(sellerAt)
	m.AdminApprovedAt = timePtr(adminAt)
	m.CompletedAt = timePtr(completedAt)
	return &m, nil
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	var status string
	var outcome, notes sql.NullString
	var buyerMinor, sellerMinor sql.NullInt64
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.TransactionID, &d.RaisedBy, &d.Reason, &status,
		&outcome, &notes, &buyerMinor, &sellerMinor, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	d.Status = DisputeStatus(status)
	d.Outcome = Outcome(outcome.String)
	d.ResolutionNotes = notes.String
	if buyerMinor.Valid {
		d.BuyerAmountMinor = &buyerMinor.Int64
	}
	if sellerMinor.Valid {
		d.SellerAmountMinor = &sellerMinor.Int64
	}
	d.ResolvedAt = timePtr(resolvedAt)
	return &d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
