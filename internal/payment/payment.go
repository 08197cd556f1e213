// Package payment reconciles money movements reported by the external
// payment gateway against the platform's records. Funding payments drive
// the owning escrow transaction; every other type settles standalone.
package payment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPaymentNotFound       = errors.New("payment: payment not found")
	ErrAlertNotFound         = errors.New("payment: alert not found")
	ErrDuplicateDelivery     = errors.New("payment: duplicate delivery for terminal payment")
	ErrUnknownProviderStatus = errors.New("payment: unknown provider status")
	ErrValidation            = errors.New("payment: invalid input")
)

// Type classifies what a payment pays for.
type Type string

const (
	TypeFunding          Type = "funding"
	TypeListingFee       Type = "listing_fee"
	TypePayout           Type = "payout"
	TypeInsurancePremium Type = "insurance_premium"
)

func validType(t Type) bool {
	switch t {
	case TypeFunding, TypeListingFee, TypePayout, TypeInsurancePremium:
		return true
	}
	return false
}

// Status is the payment lifecycle state. Wire-visible.
type Status string

const (
	StatusInitiated Status = "INITIATED"
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether the status can no longer change. Duplicate
// gateway deliveries against a terminal payment are acknowledged, never
// re-applied.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Payment is one money movement tracked against the gateway.
type Payment struct {
	ID             string     `json:"id"`
	ProviderRef    string     `json:"providerRef"`
	TransactionID  string     `json:"transactionId,omitempty"`
	PayerID        string     `json:"payerId"`
	Type           Type       `json:"type"`
	AmountMinor    int64      `json:"amountMinor"`
	FeesMinor      int64      `json:"feesMinor"`
	NetMinor       int64      `json:"netMinor"`
	Status         Status     `json:"status"`
	ProviderTxID   string     `json:"providerTxId,omitempty"`
	ProviderStatus string     `json:"providerStatus,omitempty"`
	ReconciledAt   *time.Time `json:"reconciledAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Alert records a reconciliation inconsistency needing operator attention,
// e.g. money moved but the linked transaction refused the funding
// transition. Alerts are never auto-deleted.
type Alert struct {
	ID            string     `json:"id"`
	PaymentID     string     `json:"paymentId"`
	TransactionID string     `json:"transactionId,omitempty"`
	Reason        string     `json:"reason"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// Resolved reports whether an operator has acknowledged the alert.
func (a *Alert) Resolved() bool { return a.ResolvedAt != nil }

// Store persists payments and reconciliation alerts.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByProviderRef(ctx context.Context, ref string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	ListPaymentsByTransaction(ctx context.Context, transactionID string) ([]*Payment, error)

	CreateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListAlerts(ctx context.Context, includeResolved bool) ([]*Alert, error)
	UpdateAlert(ctx context.Context, a *Alert) error
}
