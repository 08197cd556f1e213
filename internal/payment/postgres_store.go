package payment

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
// Schema is managed by the goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `
	id, provider_ref, transaction_id, payer_id, type, amount_minor,
	fees_minor, net_minor, status, provider_tx_id, provider_status,
	reconciled_at, created_at, updated_at`

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, provider_ref, transaction_id, payer_id, type,
			amount_minor, fees_minor, net_minor, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, pay.ID, pay.ProviderRef, nullStr(pay.TransactionID), pay.PayerID, string(pay.Type),
		pay.AmountMinor, pay.FeesMinor, pay.NetMinor, string(pay.Status), pay.CreatedAt, pay.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) GetPaymentByProviderRef(ctx context.Context, ref string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_ref = $1`, ref)
	return scanPayment(row)
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, pay *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments
		SET amount_minor = $1,
		    fees_minor = $2,
		    net_minor = $3,
		    status = $4,
		    provider_tx_id = $5,
		    provider_status = $6,
		    reconciled_at = $7,
		    updated_at = $8
		WHERE id = $9
	`, pay.AmountMinor, pay.FeesMinor, pay.NetMinor, string(pay.Status),
		nullStr(pay.ProviderTxID), nullStr(pay.ProviderStatus),
		nullTm(pay.ReconciledAt), pay.UpdatedAt, pay.ID)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) ListPaymentsByTransaction(ctx context.Context, transactionID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE transaction_id = $1
		ORDER BY created_at
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateAlert(ctx context.Context, a *Alert) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_alerts (id, payment_id, transaction_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.PaymentID, nullStr(a.TransactionID), a.Reason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, payment_id, transaction_id, reason, created_at, resolved_at
		FROM reconciliation_alerts WHERE id = $1
	`, id)
	return scanAlert(row)
}

func (p *PostgresStore) ListAlerts(ctx context.Context, includeResolved bool) ([]*Alert, error) {
	query := `
		SELECT id, payment_id, transaction_id, reason, created_at, resolved_at
		FROM reconciliation_alerts`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateAlert(ctx context.Context, a *Alert) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reconciliation_alerts SET resolved_at = $1 WHERE id = $2
	`, nullTm(a.ResolvedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAlertNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var pay Payment
	var ptype, status string
	var transactionID, providerTxID, providerStatus sql.NullString
	var reconciledAt sql.NullTime
	err := row.Scan(&pay.ID, &pay.ProviderRef, &transactionID, &pay.PayerID, &ptype,
		&pay.AmountMinor, &pay.FeesMinor, &pay.NetMinor, &status,
		&providerTxID, &providerStatus, &reconciledAt, &pay.CreatedAt, &pay.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	pay.Type = Type(ptype)
	pay.Status = Status(status)
	pay.TransactionID = transactionID.String
	pay.ProviderTxID = providerTxID.String
	pay.ProviderStatus = providerStatus.String
	if reconciledAt.Valid {
		t := reconciledAt.Time
		pay.ReconciledAt = &t
	}
	return &pay, nil
}

func scanAlert(row rowScanner) (*Alert, error) {
	var a Alert
	var transactionID sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&a.ID, &a.PaymentID, &transactionID, &a.Reason, &a.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.TransactionID = transactionID.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTm(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
