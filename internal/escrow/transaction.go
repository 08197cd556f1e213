// Package escrow governs the lifecycle of funds held for a land transaction.
//
// Flow:
//  1. Accepted offer → transaction created with its milestone plan
//  2. Buyer funds escrow → payment reconciler confirms → verification period
//  3. Buyer and seller independently approve each milestone
//  4. All milestones complete (plus admin sign-off for high-value deals)
//     → ready to release → funds released to seller
//  5. Either party may dispute; resolution splits or redirects the funds
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mensahq/landbridge/internal/money"
	"github.com/mensahq/landbridge/internal/pagination"
)

var (
	ErrTransactionNotFound = errors.New("escrow: transaction not found")
	ErrMilestoneNotFound   = errors.New("escrow: milestone not found")
	ErrDisputeNotFound     = errors.New("escrow: dispute not found")
	ErrConflict            = errors.New("escrow: concurrent modification conflict")
	ErrUnauthorized        = errors.New("escrow: not authorized for this operation")
	ErrValidation          = errors.New("escrow: invalid input")
	ErrInvalidTransition   = errors.New("escrow: invalid status transition")
	ErrOfferAlreadyUsed    = errors.New("escrow: offer already has a transaction")
	ErrMilestoneSum        = errors.New("escrow: milestone amounts must sum to agreed price")
	ErrTransactionClosed   = errors.New("escrow: transaction already closed")
	ErrDisputeResolved     = errors.New("escrow: dispute already resolved")
	ErrOpenDisputeExists   = errors.New("escrow: transaction already has an open dispute")
	ErrSettlementMismatch  = errors.New("escrow: partial settlement amounts do not sum to agreed price")
	ErrReleaseBlocked      = errors.New("escrow: release conditions not met")
	ErrNotAdminMilestone   = errors.New("escrow: milestone does not require admin approval")
)

// Status is the canonical transaction state. Wire-visible.
type Status string

const (
	StatusCreated            Status = "CREATED"
	StatusEscrowRequested    Status = "ESCROW_REQUESTED"
	StatusFunded             Status = "FUNDED"
	StatusVerificationPeriod Status = "VERIFICATION_PERIOD"
	StatusReadyToRelease     Status = "READY_TO_RELEASE"
	StatusDisputed           Status = "DISPUTED"
	StatusReleased           Status = "RELEASED"
	StatusRefunded           Status = "REFUNDED"
	StatusPartialSettled     Status = "PARTIAL_SETTLED"
	StatusClosed             Status = "CLOSED"
)

// allowedEdges is the single source of truth for legal status transitions.
// No code outside Transition/applyTransition writes a transaction's status.
var allowedEdges = map[Status][]Status{
	StatusCreated:            {StatusEscrowRequested},
	StatusEscrowRequested:    {StatusFunded},
	StatusFunded:             {StatusVerificationPeriod},
	StatusVerificationPeriod: {StatusReadyToRelease, StatusDisputed},
	StatusReadyToRelease:     {StatusReleased, StatusDisputed},
	StatusDisputed:           {StatusReadyToRelease, StatusRefunded, StatusPartialSettled, StatusClosed},
	StatusReleased:           {StatusClosed},
	StatusRefunded:           {StatusClosed},
	StatusPartialSettled:     {StatusClosed},
	StatusClosed:             {},
}

// edgeAllowed reports whether from → to exists in the transition table.
func edgeAllowed(from, to Status) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalMoney reports whether the status is one where the money outcome
// is decided. ClosedAt is stamped on entry to any of these.
func (s Status) IsTerminalMoney() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusPartialSettled, StatusClosed:
		return true
	}
	return false
}

// InvalidTransitionError is returned when a requested transition does not
// exist in the allowed-edges table. It always reports both states.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("escrow: invalid transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// SettlementMismatchError is returned when a partial settlement's buyer and
// seller amounts do not sum to the transaction's agreed price.
type SettlementMismatchError struct {
	ExpectedMinor int64
	GotMinor      int64
}

func (e *SettlementMismatchError) Error() string {
	return fmt.Sprintf("escrow: partial settlement sums to %s, agreed price is %s",
		money.FormatGHS(e.GotMinor), money.FormatGHS(e.ExpectedMinor))
}

func (e *SettlementMismatchError) Unwrap() error { return ErrSettlementMismatch }

// Transaction is one escrow deal between a buyer and a seller.
// Created by the offer-acceptance saga, mutated only through the state
// machine, never deleted.
type Transaction struct {
	ID                 string     `json:"id"`
	OfferID            string     `json:"offerId"`
	ListingID          string     `json:"listingId"`
	BuyerID            string     `json:"buyerId"`
	SellerID           string     `json:"sellerId"`
	AgreedPriceMinor   int64      `json:"agreedPriceMinor"`
	Status             Status     `json:"status"`
	FundedAt           *time.Time `json:"fundedAt,omitempty"`
	VerificationEndsAt *time.Time `json:"verificationEndsAt,omitempty"`
	ClosedAt           *time.Time `json:"closedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// IsParty reports whether the actor is the buyer or seller.
func (t *Transaction) IsParty(actorID string) bool {
	return actorID != "" && (actorID == t.BuyerID || actorID == t.SellerID)
}

// Milestone is one dual-approved checkpoint within a transaction's
// verification period. Immutable once completed.
type Milestone struct {
	ID                    string     `json:"id"`
	TransactionID         string     `json:"transactionId"`
	Name                  string     `json:"name"`
	Description           string     `json:"description,omitempty"`
	AmountMinor           int64      `json:"amountMinor"`
	SortOrder             int        `json:"sortOrder"`
	RequiresAdminApproval bool       `json:"requiresAdminApproval"`
	BuyerApprovedAt       *time.Time `json:"buyerApprovedAt,omitempty"`
	SellerApprovedAt      *time.Time `json:"sellerApprovedAt,omitempty"`
	AdminApprovedAt       *time.Time `json:"adminApprovedAt,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Completed reports whether both parties have approved.
func (m *Milestone) Completed() bool {
	return m.CompletedAt != nil
}

// DisputeStatus is the dispute lifecycle state. Wire-visible.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "OPEN"
	DisputeUnderReview DisputeStatus = "UNDER_REVIEW"
	DisputeMediation   DisputeStatus = "MEDIATION"
	DisputeResolved    DisputeStatus = "RESOLVED"
	DisputeClosed      DisputeStatus = "CLOSED"
)

// Outcome is a dispute resolution outcome. Wire-visible.
type Outcome string

const (
	OutcomeRelease   Outcome = "RELEASE"
	OutcomeRefund    Outcome = "REFUND"
	OutcomePartial   Outcome = "PARTIAL"
	OutcomeTerminate Outcome = "TERMINATE"
)

// Dispute is a contested transaction. Terminal once resolved.
type Dispute struct {
	ID                string        `json:"id"`
	TransactionID     string        `json:"transactionId"`
	RaisedBy          string        `json:"raisedBy"` // party ID or "system"
	Reason            string        `json:"reason"`
	Status            DisputeStatus `json:"status"`
	Outcome           Outcome       `json:"outcome,omitempty"`
	ResolutionNotes   string        `json:"resolutionNotes,omitempty"`
	BuyerAmountMinor  *int64        `json:"buyerAmountMinor,omitempty"`
	SellerAmountMinor *int64        `json:"sellerAmountMinor,omitempty"`
	ResolvedAt        *time.Time    `json:"resolvedAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// IsTerminal reports whether the dispute can no longer be mutated.
func (d *Dispute) IsTerminal() bool {
	return d.Status == DisputeResolved || d.Status == DisputeClosed
}

// Store persists transactions, milestones, and disputes.
//
// UpdateTransactionStatus is a guarded compare-and-set: it applies the
// update only while the row's status still equals from, and returns
// ErrConflict when another writer won the race.
type Store interface {
	CreateTransaction(ctx context.Context, tx *Transaction, milestones []*Milestone) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByOffer(ctx context.Context, offerID string) (*Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, from, to Status, stamp StatusStamp) error
	ListTransactionsByParty(ctx context.Context, partyID string, limit int, before *pagination.Cursor) ([]*Transaction, error)

	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	ListMilestones(ctx context.Context, transactionID string) ([]*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone) error

	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetOpenDispute(ctx context.Context, transactionID string) (*Dispute, error)
	ListDisputesByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
}

// StatusStamp carries the timestamps a transition writes alongside the
// status change, so the whole update lands in one statement.
type StatusStamp struct {
	UpdatedAt          time.Time
	FundedAt           *time.Time
	VerificationEndsAt *time.Time
	ClosedAt           *time.Time
}
