package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mensahq/landbridge/internal/authz"
	"github.com/mensahq/landbridge/internal/events"
	"github.com/mensahq/landbridge/internal/idgen"
	"github.com/mensahq/landbridge/internal/metrics"
	"github.com/mensahq/landbridge/internal/pagination"
	"github.com/mensahq/landbridge/internal/syncutil"
	"github.com/mensahq/landbridge/internal/traces"
)

// Defaults, overridable via the With* builders.
const (
	DefaultHighValueThresholdMinor = 50_000_000 // GHS 500,000.00
	DefaultVerificationPeriod      = 7 * 24 * time.Hour
)

// SystemActorID marks transitions driven by the platform itself
// (payment reconciler, dispute resolution) rather than a party.
const SystemActorID = "system"

// Notifier delivers an event to a specific party's registered webhooks.
type Notifier interface {
	DispatchToParty(ctx context.Context, partyID string, event events.Event) error
}

// Service implements the escrow state machine, milestone ledger,
// high-value approval gate, and dispute resolution engine.
type Service struct {
	store     Store
	publisher events.Publisher
	notifier  Notifier
	logger    *slog.Logger

	highValueThreshold int64
	verificationPeriod time.Duration

	now   func() time.Time
	locks syncutil.ShardedMutex // per-transaction ID locks
}

// NewService creates a new escrow service with default policy values.
func NewService(store Store) *Service {
	return &Service{
		store:              store,
		publisher:          events.NopPublisher{},
		logger:             slog.Default(),
		highValueThreshold: DefaultHighValueThresholdMinor,
		verificationPeriod: DefaultVerificationPeriod,
		now:                time.Now,
	}
}

// WithPublisher sets the audit event sink.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithNotifier sets the party notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithHighValueThreshold overrides the admin-approval threshold (minor units).
func (s *Service) WithHighValueThreshold(minor int64) *Service {
	if minor > 0 {
		s.highValueThreshold = minor
	}
	return s
}

// WithVerificationPeriod overrides the minimum verification window.
func (s *Service) WithVerificationPeriod(d time.Duration) *Service {
	if d > 0 {
		s.verificationPeriod = d
	}
	return s
}

// txLock serializes work on one transaction and returns the unlock func.
// Transitions are total-order per transaction: no two may apply concurrently.
func (s *Service) txLock(id string) func() {
	return s.locks.Lock(id)
}

// MilestoneSpec describes one milestone in a CreateFromOffer request.
type MilestoneSpec struct {
	Name                  string `json:"name" binding:"required"`
	Description           string `json:"description"`
	AmountMinor           int64  `json:"amountMinor"`
	RequiresAdminApproval bool   `json:"requiresAdminApproval"`
}

// CreateRequest contains the parameters for creating a transaction
// from an accepted offer.
type CreateRequest struct {
	OfferID          string          `json:"offerId" binding:"required"`
	ListingID        string          `json:"listingId" binding:"required"`
	BuyerID          string          `json:"buyerId" binding:"required"`
	SellerID         string          `json:"sellerId" binding:"required"`
	AgreedPriceMinor int64           `json:"agreedPriceMinor" binding:"required"`
	Milestones       []MilestoneSpec `json:"milestones"`
}

// CreateFromOffer converts an accepted offer into a transaction with its
// milestone plan. Idempotent per offer: a second call for the same offer
// returns the existing transaction. Milestone amounts must sum to the
// agreed price; with no plan given, a single deposit milestone carries
// the full amount.
func (s *Service) CreateFromOffer(ctx context.Context, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateFromOffer",
		traces.AmountMinor(req.AgreedPriceMinor),
	)
	defer span.End()

	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same party", ErrValidation)
	}
	if req.AgreedPriceMinor <= 0 {
		return nil, fmt.Errorf("%w: agreed price must be positive", ErrValidation)
	}

	// Idempotent step: an offer converts to at most one transaction.
	if existing, err := s.store.GetTransactionByOffer(ctx, req.OfferID); err == nil {
		return existing, nil
	}

	specs := req.Milestones
	if len(specs) == 0 {
		specs = []MilestoneSpec{{
			Name:        "Deposit",
			Description: "Full escrow deposit",
			AmountMinor: req.AgreedPriceMinor,
		}}
	}

	var sum int64
	for _, m := range specs {
		if m.AmountMinor < 0 {
			return nil, fmt.Errorf("%w: milestone amount cannot be negative", ErrValidation)
		}
		sum += m.AmountMinor
	}
	if sum != req.AgreedPriceMinor {
		return nil, ErrMilestoneSum
	}

	// High-value deals must carry at least one admin-gated milestone.
	if s.IsHighValue(req.AgreedPriceMinor) {
		flagged := false
		for _, m := range specs {
			if m.RequiresAdminApproval {
				flagged = true
				break
			}
		}
		if !flagged {
			specs[0].RequiresAdminApproval = true
		}
	}

	now := s.now()
	tx := &Transaction{
		ID:               idgen.WithPrefix("txn_"),
		OfferID:          req.OfferID,
		ListingID:        req.ListingID,
		BuyerID:          req.BuyerID,
		SellerID:         req.SellerID,
		AgreedPriceMinor: req.AgreedPriceMinor,
		Status:           StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	milestones := make([]*Milestone, len(specs))
	for i, spec := range specs {
		milestones[i] = &Milestone{
			ID:                    idgen.WithPrefix("mst_"),
			TransactionID:         tx.ID,
			Name:                  spec.Name,
			Description:           spec.Description,
			AmountMinor:           spec.AmountMinor,
			SortOrder:             i,
			RequiresAdminApproval: spec.RequiresAdminApproval,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
	}

	if err := s.store.CreateTransaction(ctx, tx, milestones); err != nil {
		// A concurrent saga run may have won the uniqueness race.
		if existing, getErr := s.store.GetTransactionByOffer(ctx, req.OfferID); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	metrics.EscrowCreatedTotal.Inc()
	s.emit(ctx, events.New(events.TypeTransactionCreated, tx.ID, tx.BuyerID, map[string]any{
		"offerId":          tx.OfferID,
		"agreedPriceMinor": tx.AgreedPriceMinor,
		"milestones":       len(milestones),
		"highValue":        s.IsHighValue(tx.AgreedPriceMinor),
	}))

	return tx, nil
}

// Transition requests a status change on behalf of an actor. Per-edge
// authorization applies: party edges need the buyer or seller, privileged
// edges need a capability, and subsystem edges (funding, dispute outcomes)
// are rejected here because only their owning component may drive them.
func (s *Service) Transition(ctx context.Context, transactionID string, target Status, actor *authz.Actor) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Transition",
		traces.TransactionID(transactionID),
		traces.Status(string(target)),
	)
	defer span.End()

	unlock := s.txLock(transactionID)
	defer unlock()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if !edgeAllowed(tx.Status, target) {
		metrics.TransitionRejectionsTotal.WithLabelValues(string(tx.Status), string(target)).Inc()
		return nil, &InvalidTransitionError{From: tx.Status, To: target}
	}

	if err := s.authorizeEdge(ctx, tx, target, actor); err != nil {
		return nil, err
	}

	return s.applyTransition(ctx, tx, target, actorID(actor))
}

// authorizeEdge enforces who may drive each legal edge.
func (s *Service) authorizeEdge(ctx context.Context, tx *Transaction, target Status, actor *authz.Actor) error {
	switch target {
	case StatusEscrowRequested:
		// Buyer (or seller on the buyer's behalf) requests escrow.
		if actor == nil || !tx.IsParty(actor.ID) {
			return ErrUnauthorized
		}
	case StatusFunded:
		// Only the payment reconciler funds a transaction.
		return ErrUnauthorized
	case StatusVerificationPeriod:
		// Opened automatically at funding.
		return ErrUnauthorized
	case StatusReadyToRelease:
		// Normally reached through the milestone ledger or dispute
		// resolution. A party may force the re-evaluation explicitly
		// once the gate passes, e.g. after the window elapses with all
		// approvals already in.
		if actor == nil || !tx.IsParty(actor.ID) {
			return ErrUnauthorized
		}
		status, err := s.CanRelease(ctx, tx.ID)
		if err != nil {
			return err
		}
		if !status.CanRelease {
			return fmt.Errorf("%w: %v", ErrReleaseBlocked, status.Blockers)
		}
	case StatusDisputed:
		// Raised through the dispute engine, which records the reason.
		return ErrUnauthorized
	case StatusReleased:
		// Gate-cleared release: party or admin may trigger, conditions rechecked.
		if actor == nil {
			return ErrUnauthorized
		}
		if !tx.IsParty(actor.ID) && !actor.HasCapability(authz.CapApproveRelease) {
			return ErrUnauthorized
		}
		status, err := s.CanRelease(ctx, tx.ID)
		if err != nil {
			return err
		}
		if !status.CanRelease {
			return fmt.Errorf("%w: %v", ErrReleaseBlocked, status.Blockers)
		}
	case StatusRefunded, StatusPartialSettled:
		// Only dispute resolution produces these outcomes.
		return ErrUnauthorized
	case StatusClosed:
		if actor == nil {
			return ErrUnauthorized
		}
		if !tx.IsParty(actor.ID) && !actor.HasCapability(authz.CapApproveRelease) {
			return ErrUnauthorized
		}
	}
	return nil
}

// applyTransition performs the guarded store update and side effects.
// Callers must hold the transaction lock. The edge is checked against the
// transition table here too, so no internal caller can move a transaction
// along an edge the table does not list.
func (s *Service) applyTransition(ctx context.Context, tx *Transaction, target Status, by string) (*Transaction, error) {
	if !edgeAllowed(tx.Status, target) {
		metrics.TransitionRejectionsTotal.WithLabelValues(string(tx.Status), string(target)).Inc()
		return nil, &InvalidTransitionError{From: tx.Status, To: target}
	}

	now := s.now()
	stamp := StatusStamp{UpdatedAt: now}

	if target == StatusFunded {
		fundedAt := now
		ends := now.Add(s.verificationPeriod)
		stamp.FundedAt = &fundedAt
		stamp.VerificationEndsAt = &ends
	}
	if target.IsTerminalMoney() && tx.ClosedAt == nil {
		closedAt := now
		stamp.ClosedAt = &closedAt
	}

	if err := s.store.UpdateTransactionStatus(ctx, tx.ID, tx.Status, target, stamp); err != nil {
		return nil, err
	}

	from := tx.Status
	tx.Status = target
	tx.UpdatedAt = now
	if stamp.FundedAt != nil {
		tx.FundedAt = stamp.FundedAt
		tx.VerificationEndsAt = stamp.VerificationEndsAt
	}
	if stamp.ClosedAt != nil {
		tx.ClosedAt = stamp.ClosedAt
	}

	metrics.TransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	switch target {
	case StatusReleased:
		metrics.EscrowReleasedTotal.Inc()
		s.observeDuration(tx)
	case StatusRefunded:
		metrics.EscrowRefundedTotal.Inc()
		s.observeDuration(tx)
	case StatusDisputed:
		metrics.EscrowDisputedTotal.Inc()
	}

	s.logger.Info("transaction transition",
		"transaction_id", tx.ID, "from", from, "to", target, "by", by)

	event := events.New(events.TypeTransactionTransition, tx.ID, by, map[string]any{
		"from": string(from),
		"to":   string(target),
	})
	s.emit(ctx, event)
	s.notifyParties(ctx, tx, event)

	return tx, nil
}

func (s *Service) observeDuration(tx *Transaction) {
	metrics.EscrowDuration.Observe(s.now().Sub(tx.CreatedAt).Seconds())
}

// Fund is the payment reconciler's entry point: it drives
// ESCROW_REQUESTED → FUNDED → VERIFICATION_PERIOD, stamping the funding
// time and verification window.
func (s *Service) Fund(ctx context.Context, transactionID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.TransactionID(transactionID))
	defer span.End()

	unlock := s.txLock(transactionID)
	defer unlock()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if tx.Status != StatusEscrowRequested {
		return nil, &InvalidTransitionError{From: tx.Status, To: StatusFunded}
	}

	tx, err = s.applyTransition(ctx, tx, StatusFunded, SystemActorID)
	if err != nil {
		return nil, err
	}
	return s.applyTransition(ctx, tx, StatusVerificationPeriod, SystemActorID)
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetByOffer returns the transaction created from an offer, if any.
func (s *Service) GetByOffer(ctx context.Context, offerID string) (*Transaction, error) {
	return s.store.GetTransactionByOffer(ctx, offerID)
}

// ListByParty returns a page of transactions where the party is buyer or
// seller, newest first, plus an opaque cursor for the next page.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int, cursor string) ([]*Transaction, string, error) {
	if limit <= 0 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrValidation, err)
	}

	// Fetch one extra row to learn whether another page exists.
	txs, err := s.store.ListTransactionsByParty(ctx, partyID, limit+1, before)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// emit publishes an audit event; failures are logged, never propagated.
func (s *Service) emit(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publish event", "type", event.Type, "transaction_id", event.TransactionID, "error", err)
	}
}

// notifyParties dispatches an event to both counterparties, best effort.
func (s *Service) notifyParties(ctx context.Context, tx *Transaction, event events.Event) {
	if s.notifier == nil {
		return
	}
	for _, party := range []string{tx.BuyerID, tx.SellerID} {
		if err := s.notifier.DispatchToParty(ctx, party, event); err != nil {
			s.logger.Warn("notify party", "party_id", party, "error", err)
		}
	}
}

func actorID(actor *authz.Actor) string {
	if actor == nil {
		return SystemActorID
	}
	return actor.ID
}
