package escrow

import (
	"context"
	"fmt"

	"github.com/mensahq/landbridge/internal/authz"
	"github.com/mensahq/landbridge/internal/events"
	"github.com/mensahq/landbridge/internal/idgen"
	"github.com/mensahq/landbridge/internal/metrics"
	"github.com/mensahq/landbridge/internal/traces"
)

// disputableStatuses are the transaction states a dispute may be raised in.
var disputableStatuses = map[Status]bool{
	StatusVerificationPeriod: true,
	StatusReadyToRelease:     true,
	StatusDisputed:           true,
}

// OpenDispute raises a dispute against a transaction on behalf of a party.
// The transaction moves to DISPUTED; at most one open dispute exists per
// transaction at a time.
func (s *Service) OpenDispute(ctx context.Context, transactionID string, actor *authz.Actor, reason string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.TransactionID(transactionID))
	defer span.End()

	if len(reason) < 10 {
		return nil, fmt.Errorf("%w: dispute reason must describe the problem", ErrValidation)
	}

	unlock := s.txLock(transactionID)
	defer unlock()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if actor == nil || !tx.IsParty(actor.ID) {
		return nil, ErrUnauthorized
	}

	return s.openDisputeLocked(ctx, tx, actor.ID, reason)
}

// openDisputeLocked creates the dispute row and moves the transaction to
// DISPUTED. Caller holds the transaction lock.
func (s *Service) openDisputeLocked(ctx context.Context, tx *Transaction, raisedBy, reason string) (*Dispute, error) {
	if !disputableStatuses[tx.Status] {
		return nil, &InvalidTransitionError{From: tx.Status, To: StatusDisputed}
	}
	if existing, err := s.store.GetOpenDispute(ctx, tx.ID); err == nil && existing != nil {
		return nil, ErrOpenDisputeExists
	}

	now := s.now()
	dispute := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: tx.ID,
		RaisedBy:      raisedBy,
		Reason:        reason,
		Status:        DisputeOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateDispute(ctx, dispute); err != nil {
		return nil, fmt.Errorf("create dispute: %w", err)
	}

	if tx.Status != StatusDisputed {
		if _, err := s.applyTransition(ctx, tx, StatusDisputed, raisedBy); err != nil {
			return nil, err
		}
	}

	metrics.OpenDisputes.Inc()
	s.emit(ctx, events.New(events.TypeDisputeOpened, tx.ID, raisedBy, map[string]any{
		"disputeId": dispute.ID,
		"reason":    reason,
	}))

	return dispute, nil
}

// ReviewDispute moves an OPEN dispute to UNDER_REVIEW.
func (s *Service) ReviewDispute(ctx context.Context, disputeID string, reviewer *authz.Actor) (*Dispute, error) {
	return s.advanceDispute(ctx, disputeID, reviewer, authz.CapReviewDispute, DisputeOpen, DisputeUnderReview)
}

// MediateDispute moves an UNDER_REVIEW dispute into MEDIATION.
func (s *Service) MediateDispute(ctx context.Context, disputeID string, mediator *authz.Actor) (*Dispute, error) {
	return s.advanceDispute(ctx, disputeID, mediator, authz.CapMediateDispute, DisputeUnderReview, DisputeMediation)
}

func (s *Service) advanceDispute(ctx context.Context, disputeID string, actor *authz.Actor, required authz.Capability, from, to DisputeStatus) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.advanceDispute", traces.DisputeID(disputeID))
	defer span.End()

	if actor == nil || !actor.HasCapability(required) {
		return nil, ErrUnauthorized
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	unlock := s.txLock(d.TransactionID)
	defer unlock()

	d, err = s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrDisputeResolved
	}
	if d.Status != from {
		return nil, fmt.Errorf("%w: dispute is %s, expected %s", ErrValidation, d.Status, from)
	}

	d.Status = to
	d.UpdatedAt = s.now()
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("update dispute: %w", err)
	}

	s.emit(ctx, events.New(events.TypeDisputeTransition, d.TransactionID, actor.ID, map[string]any{
		"disputeId": d.ID,
		"from":      string(from),
		"to":        string(to),
	}))

	return d, nil
}

// ResolveRequest carries the parameters of a dispute resolution.
type ResolveRequest struct {
	Outcome           Outcome `json:"outcome" binding:"required"`
	Notes             string  `json:"notes" binding:"required"`
	BuyerAmountMinor  *int64  `json:"buyerAmountMinor,omitempty"`
	SellerAmountMinor *int64  `json:"sellerAmountMinor,omitempty"`
}

// Resolve settles a dispute with a single-shot outcome and drives the
// owning transaction to its settlement status. PARTIAL outcomes must split
// the agreed price exactly; both parties are notified of their amounts.
func (s *Service) Resolve(ctx context.Context, disputeID string, resolver *authz.Actor, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Resolve", traces.DisputeID(disputeID))
	defer span.End()

	if resolver == nil || !resolver.HasCapability(authz.CapResolveDispute) {
		return nil, ErrUnauthorized
	}
	if len(req.Notes) < 10 {
		return nil, fmt.Errorf("%w: resolution notes must explain the outcome", ErrValidation)
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	unlock := s.txLock(d.TransactionID)
	defer unlock()

	d, err = s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrDisputeResolved
	}

	tx, err := s.store.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status == StatusClosed {
		return nil, ErrTransactionClosed
	}

	var buyerMinor, sellerMinor int64
	switch req.Outcome {
	case OutcomeRelease:
		sellerMinor = tx.AgreedPriceMinor
		// A release decision does not waive the high-value admin gate:
		// flagged milestones still need admin sign-off before any path
		// reaches RELEASED.
		gate, gateErr := s.CanRelease(ctx, tx.ID)
		if gateErr != nil {
			return nil, gateErr
		}
		if len(gate.PendingAdminMilestones) > 0 {
			return nil, fmt.Errorf("%w: admin approval pending", ErrReleaseBlocked)
		}
	case OutcomeRefund:
		buyerMinor = tx.AgreedPriceMinor
	case OutcomePartial:
		if req.BuyerAmountMinor == nil || req.SellerAmountMinor == nil {
			return nil, fmt.Errorf("%w: partial settlement requires both buyer and seller amounts", ErrValidation)
		}
		buyerMinor = *req.BuyerAmountMinor
		sellerMinor = *req.SellerAmountMinor
		if buyerMinor < 0 || sellerMinor < 0 {
			return nil, fmt.Errorf("%w: settlement amounts cannot be negative", ErrValidation)
		}
		if buyerMinor+sellerMinor != tx.AgreedPriceMinor {
			return nil, &SettlementMismatchError{
				ExpectedMinor: tx.AgreedPriceMinor,
				GotMinor:      buyerMinor + sellerMinor,
			}
		}
	case OutcomeTerminate:
		// Funds handling for a terminated deal happens out of band.
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrValidation, req.Outcome)
	}

	// Drive the transaction first: if the status machine rejects the move,
	// the dispute stays unresolved and can be retried with a valid outcome.
	switch req.Outcome {
	case OutcomeRelease:
		if tx, err = s.applyTransition(ctx, tx, StatusReadyToRelease, SystemActorID); err != nil {
			return nil, err
		}
		if tx, err = s.applyTransition(ctx, tx, StatusReleased, SystemActorID); err != nil {
			return nil, err
		}
	case OutcomeRefund:
		if tx, err = s.applyTransition(ctx, tx, StatusRefunded, SystemActorID); err != nil {
			return nil, err
		}
	case OutcomePartial:
		if tx, err = s.applyTransition(ctx, tx, StatusPartialSettled, SystemActorID); err != nil {
			return nil, err
		}
	case OutcomeTerminate:
		if tx, err = s.applyTransition(ctx, tx, StatusClosed, SystemActorID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	d.Status = DisputeResolved
	d.Outcome = req.Outcome
	d.ResolutionNotes = req.Notes
	d.BuyerAmountMinor = &buyerMinor
	d.SellerAmountMinor = &sellerMinor
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("update dispute after resolution: %w", err)
	}

	metrics.OpenDisputes.Dec()
	metrics.DisputesTotal.WithLabelValues(string(req.Outcome)).Inc()

	event := events.New(events.TypeDisputeResolved, tx.ID, resolver.ID, map[string]any{
		"disputeId":         d.ID,
		"outcome":           string(req.Outcome),
		"buyerAmountMinor":  buyerMinor,
		"sellerAmountMinor": sellerMinor,
	})
	s.emit(ctx, event)
	s.notifyParties(ctx, tx, event)

	return d, nil
}

// CloseDispute archives a RESOLVED dispute.
func (s *Service) CloseDispute(ctx context.Context, disputeID string, actor *authz.Actor) (*Dispute, error) {
	if actor == nil || !actor.HasCapability(authz.CapResolveDispute) {
		return nil, ErrUnauthorized
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	unlock := s.txLock(d.TransactionID)
	defer unlock()

	d, err = s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == DisputeClosed {
		return d, nil
	}
	if d.Status != DisputeResolved {
		return nil, fmt.Errorf("%w: only resolved disputes can be closed, dispute is %s", ErrValidation, d.Status)
	}

	d.Status = DisputeClosed
	d.UpdatedAt = s.now()
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("update dispute: %w", err)
	}
	return d, nil
}

// GetDispute returns a dispute by ID.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// Disputes returns all disputes raised against a transaction.
func (s *Service) Disputes(ctx context.Context, transactionID string) ([]*Dispute, error) {
	if _, err := s.store.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	return s.store.ListDisputesByTransaction(ctx, transactionID)
}
