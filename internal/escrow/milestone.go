package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mensahq/landbridge/internal/authz"
	"github.com/mensahq/landbridge/internal/events"
	"github.com/mensahq/landbridge/internal/traces"
)

// ApprovalResult reports a milestone after an approval call, plus the
// transaction status in case the approval unlocked a release.
type ApprovalResult struct {
	Milestone         *Milestone `json:"milestone"`
	Completed         bool       `json:"completed"`
	TransactionStatus Status     `json:"transactionStatus"`
}

// Approve records a party's sign-off on a milestone. Re-approval by the
// same party is a no-op, not an error. When both approvals are present,
// completedAt is stamped; when every milestone of the transaction is
// complete while it sits in VERIFICATION_PERIOD, the ledger attempts the
// READY_TO_RELEASE transition through the high-value gate.
func (s *Service) Approve(ctx context.Context, milestoneID string, actor *authz.Actor) (*ApprovalResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Approve", traces.MilestoneID(milestoneID))
	defer span.End()

	if actor == nil {
		return nil, ErrUnauthorized
	}

	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	unlock := s.txLock(m.TransactionID)
	defer unlock()

	// Re-read under the lock: another approval may have landed.
	m, err = s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	tx, err := s.store.GetTransaction(ctx, m.TransactionID)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(actor.ID) {
		return nil, ErrUnauthorized
	}
	if tx.Status != StatusVerificationPeriod {
		return nil, fmt.Errorf("%w: milestones are approved during %s, transaction is %s",
			ErrValidation, StatusVerificationPeriod, tx.Status)
	}

	now := s.now()
	changed := false
	switch actor.ID {
	case tx.BuyerID:
		if m.BuyerApprovedAt == nil {
			m.BuyerApprovedAt = &now
			changed = true
		}
	case tx.SellerID:
		if m.SellerApprovedAt == nil {
			m.SellerApprovedAt = &now
			changed = true
		}
	}

	justCompleted := false
	if m.BuyerApprovedAt != nil && m.SellerApprovedAt != nil && m.CompletedAt == nil {
		m.CompletedAt = &now
		justCompleted = true
		changed = true
	}

	if changed {
		m.UpdatedAt = now
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return nil, fmt.Errorf("update milestone: %w", err)
		}
		s.emit(ctx, events.New(events.TypeMilestoneApproved, tx.ID, actor.ID, map[string]any{
			"milestoneId": m.ID,
			"completed":   m.Completed(),
		}))
	}

	if justCompleted {
		s.emit(ctx, events.New(events.TypeMilestoneCompleted, tx.ID, actor.ID, map[string]any{
			"milestoneId": m.ID,
		}))
	}

	// Always re-evaluate the gate: the verification window may have
	// elapsed since the last completion landed.
	tx, err = s.tryAdvanceToReady(ctx, tx)
	if err != nil {
		return nil, err
	}

	return &ApprovalResult{
		Milestone:         m,
		Completed:         m.Completed(),
		TransactionStatus: tx.Status,
	}, nil
}

// AllComplete reports whether every milestone of the transaction has a
// non-nil completedAt.
func (s *Service) AllComplete(ctx context.Context, transactionID string) (bool, error) {
	milestones, err := s.store.ListMilestones(ctx, transactionID)
	if err != nil {
		return false, err
	}
	if len(milestones) == 0 {
		return false, nil
	}
	for _, m := range milestones {
		if !m.Completed() {
			return false, nil
		}
	}
	return true, nil
}

// Milestones returns the transaction's milestones in sort order.
func (s *Service) Milestones(ctx context.Context, transactionID string) ([]*Milestone, error) {
	if _, err := s.store.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	return s.store.ListMilestones(ctx, transactionID)
}

// tryAdvanceToReady attempts VERIFICATION_PERIOD → READY_TO_RELEASE.
// A blocked gate (pending admin approval, open verification window) is
// not an error: the transaction simply stays put. Caller holds the lock.
func (s *Service) tryAdvanceToReady(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if tx.Status != StatusVerificationPeriod {
		return tx, nil
	}

	status, err := s.CanRelease(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if !status.AllMilestonesComplete || len(status.PendingAdminMilestones) > 0 || !status.VerificationElapsed {
		s.logger.Info("release gate holding transaction",
			"transaction_id", tx.ID, "blockers", status.Blockers)
		return tx, nil
	}

	advanced, err := s.applyTransition(ctx, tx, StatusReadyToRelease, SystemActorID)
	if err != nil {
		// Another writer moved the transaction first; keep the caller's view fresh.
		if errors.Is(err, ErrConflict) {
			return s.store.GetTransaction(ctx, tx.ID)
		}
		return nil, err
	}
	return advanced, nil
}
