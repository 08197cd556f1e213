package escrow

import (
	"context"
	"fmt"

	"github.com/mensahq/landbridge/internal/authz"
	"github.com/mensahq/landbridge/internal/events"
	"github.com/mensahq/landbridge/internal/metrics"
	"github.com/mensahq/landbridge/internal/money"
	"github.com/mensahq/landbridge/internal/traces"
)

// IsHighValue reports whether an agreed price meets the admin-approval
// threshold.
func (s *Service) IsHighValue(agreedPriceMinor int64) bool {
	return agreedPriceMinor >= s.highValueThreshold
}

// ReleaseStatus reports whether a transaction may release and what still
// blocks it. Exposed read-only through the status endpoint.
type ReleaseStatus struct {
	TransactionID          string   `json:"transactionId"`
	HighValue              bool     `json:"highValue"`
	AllMilestonesComplete  bool     `json:"allMilestonesComplete"`
	PendingAdminMilestones []string `json:"pendingAdminMilestones,omitempty"`
	VerificationElapsed    bool     `json:"verificationElapsed"`
	CanRelease             bool     `json:"canRelease"`
	Blockers               []string `json:"blockers,omitempty"`
}

// CanRelease evaluates the release gate: every milestone complete, the
// verification window elapsed, and, for high-value transactions, every
// flagged milestone admin-approved.
func (s *Service) CanRelease(ctx context.Context, transactionID string) (*ReleaseStatus, error) {
	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	milestones, err := s.store.ListMilestones(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	status := &ReleaseStatus{
		TransactionID:         tx.ID,
		HighValue:             s.IsHighValue(tx.AgreedPriceMinor),
		AllMilestonesComplete: len(milestones) > 0,
	}

	for _, m := range milestones {
		if !m.Completed() {
			status.AllMilestonesComplete = false
		}
		if status.HighValue && m.RequiresAdminApproval && m.AdminApprovedAt == nil {
			status.PendingAdminMilestones = append(status.PendingAdminMilestones, m.ID)
		}
	}

	status.VerificationElapsed = tx.VerificationEndsAt != nil && !s.now().Before(*tx.VerificationEndsAt)

	if !status.AllMilestonesComplete {
		status.Blockers = append(status.Blockers, "milestones incomplete")
	}
	if len(status.PendingAdminMilestones) > 0 {
		status.Blockers = append(status.Blockers, "admin approval pending")
	}
	if !status.VerificationElapsed {
		status.Blockers = append(status.Blockers, "verification period still open")
	}

	status.CanRelease = len(status.Blockers) == 0
	return status, nil
}

// ApproveMilestoneAsAdmin records administrative sign-off on a milestone
// flagged requires-admin-approval. Idempotent if already approved.
func (s *Service) ApproveMilestoneAsAdmin(ctx context.Context, milestoneID string, admin *authz.Actor) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveMilestoneAsAdmin", traces.MilestoneID(milestoneID))
	defer span.End()

	if admin == nil || !admin.HasCapability(authz.CapApproveRelease) {
		return nil, ErrUnauthorized
	}

	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	unlock := s.txLock(m.TransactionID)
	defer unlock()

	m, err = s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	if !m.RequiresAdminApproval {
		return nil, ErrNotAdminMilestone
	}
	if m.AdminApprovedAt != nil {
		return m, nil
	}

	now := s.now()
	m.AdminApprovedAt = &now
	m.UpdatedAt = now
	if err := s.store.UpdateMilestone(ctx, m); err != nil {
		return nil, fmt.Errorf("update milestone: %w", err)
	}

	metrics.HighValueApprovalsTotal.Inc()
	s.emit(ctx, events.New(events.TypeReleaseApproved, m.TransactionID, admin.ID, map[string]any{
		"milestoneId": m.ID,
	}))

	// The admin sign-off may have been the last blocker.
	if tx, err := s.store.GetTransaction(ctx, m.TransactionID); err == nil {
		if _, err := s.tryAdvanceToReady(ctx, tx); err != nil {
			s.logger.Warn("advance after admin approval", "transaction_id", tx.ID, "error", err)
		}
	}

	return m, nil
}

// RejectRelease is the administrator's only path to reverse a release that
// would otherwise proceed: a READY_TO_RELEASE transaction transitions to
// DISPUTED and a system dispute is opened referencing the rejection notes.
func (s *Service) RejectRelease(ctx context.Context, transactionID string, admin *authz.Actor, notes string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RejectRelease", traces.TransactionID(transactionID))
	defer span.End()

	if admin == nil || !admin.HasCapability(authz.CapRejectRelease) {
		return nil, ErrUnauthorized
	}
	if len(notes) < 10 {
		return nil, fmt.Errorf("%w: rejection notes must explain the decision", ErrValidation)
	}

	unlock := s.txLock(transactionID)
	defer unlock()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusReadyToRelease {
		return nil, &InvalidTransitionError{From: tx.Status, To: StatusDisputed}
	}

	dispute, err := s.openDisputeLocked(ctx, tx, SystemActorID,
		fmt.Sprintf("release of %s rejected by administrator: %s", money.FormatGHS(tx.AgreedPriceMinor), notes))
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.New(events.TypeReleaseRejected, tx.ID, admin.ID, map[string]any{
		"disputeId": dispute.ID,
		"notes":     notes,
	}))

	return dispute, nil
}
