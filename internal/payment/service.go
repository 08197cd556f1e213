package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mensahq/landbridge/internal/escrow"
	"github.com/mensahq/landbridge/internal/events"
	"github.com/mensahq/landbridge/internal/idgen"
	"github.com/mensahq/landbridge/internal/metrics"
	"github.com/mensahq/landbridge/internal/money"
	"github.com/mensahq/landbridge/internal/syncutil"
	"github.com/mensahq/landbridge/internal/traces"
)

// Funder drives a transaction's funding transition. Implemented by the
// escrow service.
type Funder interface {
	Fund(ctx context.Context, transactionID string) (*escrow.Transaction, error)
}

// Service is the payment reconciler.
type Service struct {
	store     Store
	funder    Funder
	publisher events.Publisher
	logger    *slog.Logger

	now   func() time.Time
	locks syncutil.ShardedMutex // per-provider-reference locks
}

// NewService creates a payment service. Funding payments need a Funder
// wired via WithFunder; without one they reconcile but raise an alert.
func NewService(store Store) *Service {
	return &Service{
		store:     store,
		publisher: events.NopPublisher{},
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithFunder sets the escrow funding hook.
func (s *Service) WithFunder(f Funder) *Service {
	s.funder = f
	return s
}

// WithPublisher sets the audit event sink.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func (s *Service) refLock(ref string) func() {
	return s.locks.Lock(ref)
}

// InitiateRequest describes a payment to start with the gateway. The
// amount arrives either as integer minor units or as a GHS decimal
// string; minor units win when both are present.
type InitiateRequest struct {
	PayerID       string `json:"payerId" binding:"required"`
	TransactionID string `json:"transactionId"`
	Type          Type   `json:"type" binding:"required"`
	AmountMinor   int64  `json:"amountMinor"`
	Amount        string `json:"amount"`
}

// Initiate records an INITIATED payment and returns it with a fresh
// provider reference for the gateway redirect. No funds move yet.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Initiate", traces.AmountMinor(req.AmountMinor))
	defer span.End()

	if !validType(req.Type) {
		return nil, fmt.Errorf("%w: unknown payment type %q", ErrValidation, req.Type)
	}
	if req.AmountMinor == 0 && req.Amount != "" {
		minor, err := money.Parse(req.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		req.AmountMinor = minor
	}
	if req.AmountMinor <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if req.Type == TypeFunding && req.TransactionID == "" {
		return nil, fmt.Errorf("%w: funding payments must reference a transaction", ErrValidation)
	}

	now := s.now()
	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		ProviderRef:   idgen.ProviderRef(),
		TransactionID: req.TransactionID,
		PayerID:       req.PayerID,
		Type:          req.Type,
		AmountMinor:   req.AmountMinor,
		Status:        StatusInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	s.emit(ctx, events.New(events.TypePaymentInitiated, p.TransactionID, p.PayerID, map[string]any{
		"paymentId":   p.ID,
		"providerRef": p.ProviderRef,
		"type":        string(p.Type),
		"amountMinor": p.AmountMinor,
	}))

	return p, nil
}

// CallbackPayload is the gateway's webhook body, in the provider's own
// vocabulary.
type CallbackPayload struct {
	TxRef        string `json:"tx_ref" binding:"required"`
	Status       string `json:"status" binding:"required"`
	ProviderTxID string `json:"transaction_id"`
	AmountMinor  int64  `json:"amount_minor"`
	FeesMinor    int64  `json:"fees_minor"`
}

// Reconcile applies a gateway delivery to the payment identified by its
// provider reference. Terminal payments make duplicates a no-op returning
// ErrDuplicateDelivery alongside the existing record; callers acknowledge
// those rather than failing. A successful funding payment drives the linked
// transaction through the escrow service; if that transition fails after
// money moved, the payment still lands SUCCESS and an alert is raised.
func (s *Service) Reconcile(ctx context.Context, payload CallbackPayload) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Reconcile", traces.PaymentRef(payload.TxRef))
	defer span.End()

	unlock := s.refLock(payload.TxRef)
	defer unlock()

	p, err := s.store.GetPaymentByProviderRef(ctx, payload.TxRef)
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues("unknown_ref").Inc()
		return nil, err
	}

	if p.Status.IsTerminal() {
		metrics.ReconciliationsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("duplicate gateway delivery ignored",
			"payment_id", p.ID, "provider_ref", p.ProviderRef, "status", p.Status)
		return p, ErrDuplicateDelivery
	}

	now := s.now()
	switch normalizeProviderStatus(payload.Status) {
	case "successful":
		p.Status = StatusSuccess
		if payload.AmountMinor > 0 {
			p.AmountMinor = payload.AmountMinor
		}
		p.FeesMinor = payload.FeesMinor
		p.NetMinor = p.AmountMinor - p.FeesMinor
		p.ReconciledAt = &now
	case "failed", "cancelled":
		p.Status = StatusFailed
		p.ReconciledAt = &now
	case "pending":
		p.Status = StatusPending
	default:
		metrics.ReconciliationsTotal.WithLabelValues("unknown_status").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnknownProviderStatus, payload.Status)
	}

	p.ProviderStatus = payload.Status
	if payload.ProviderTxID != "" {
		p.ProviderTxID = payload.ProviderTxID
	}
	p.UpdatedAt = now

	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}

	metrics.ReconciliationsTotal.WithLabelValues(strings.ToLower(string(p.Status))).Inc()
	s.emit(ctx, events.New(events.TypePaymentReconciled, p.TransactionID, escrow.SystemActorID, map[string]any{
		"paymentId":      p.ID,
		"providerRef":    p.ProviderRef,
		"status":         string(p.Status),
		"providerStatus": payload.Status,
		"netMinor":       p.NetMinor,
	}))

	if p.Status == StatusSuccess && p.Type == TypeFunding && p.TransactionID != "" {
		s.fundTransaction(ctx, p)
	}

	return p, nil
}

// fundTransaction drives the escrow funding transition for a reconciled
// funding payment. Money has already moved, so failures here never unwind
// the payment; they surface as alerts for operator intervention.
func (s *Service) fundTransaction(ctx context.Context, p *Payment) {
	var err error
	if s.funder == nil {
		err = fmt.Errorf("no funder configured")
	} else {
		_, err = s.funder.Fund(ctx, p.TransactionID)
	}
	if err == nil {
		return
	}

	s.logger.Error("funding transition failed after successful payment",
		"payment_id", p.ID, "transaction_id", p.TransactionID, "error", err)

	alert := &Alert{
		ID:            idgen.WithPrefix("alr_"),
		PaymentID:     p.ID,
		TransactionID: p.TransactionID,
		Reason:        fmt.Sprintf("payment %s settled but funding transition failed: %v", p.ID, err),
		CreatedAt:     s.now(),
	}
	if createErr := s.store.CreateAlert(ctx, alert); createErr != nil {
		s.logger.Error("persist reconciliation alert", "payment_id", p.ID, "error", createErr)
	}

	metrics.ReconciliationsTotal.WithLabelValues("inconsistent").Inc()
	s.emit(ctx, events.New(events.TypeReconciliationAlert, p.TransactionID, escrow.SystemActorID, map[string]any{
		"alertId":   alert.ID,
		"paymentId": p.ID,
		"reason":    alert.Reason,
	}))
}

// normalizeProviderStatus folds the gateway's status vocabulary into the
// handful of values the reconciler understands.
func normalizeProviderStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "successful", "success", "completed":
		return "successful"
	case "failed", "failure", "error":
		return "failed"
	case "cancelled", "canceled", "aborted":
		return "cancelled"
	case "pending", "processing":
		return "pending"
	default:
		return ""
	}
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// GetByProviderRef returns a payment by its provider-facing reference.
func (s *Service) GetByProviderRef(ctx context.Context, ref string) (*Payment, error) {
	return s.store.GetPaymentByProviderRef(ctx, ref)
}

// ListByTransaction returns all payments linked to a transaction.
func (s *Service) ListByTransaction(ctx context.Context, transactionID string) ([]*Payment, error) {
	return s.store.ListPaymentsByTransaction(ctx, transactionID)
}

// Alerts lists reconciliation alerts, optionally including resolved ones.
func (s *Service) Alerts(ctx context.Context, includeResolved bool) ([]*Alert, error) {
	return s.store.ListAlerts(ctx, includeResolved)
}

// ResolveAlert marks an alert acknowledged. Idempotent.
func (s *Service) ResolveAlert(ctx context.Context, id string) (*Alert, error) {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Resolved() {
		return a, nil
	}
	now := s.now()
	a.ResolvedAt = &now
	if err := s.store.UpdateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("update alert: %w", err)
	}
	return a, nil
}

func (s *Service) emit(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publish event", "type", event.Type, "error", err)
	}
}
