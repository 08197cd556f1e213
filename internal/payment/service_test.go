package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mensahq/landbridge/internal/escrow"
	"github.com/mensahq/landbridge/internal/events"
)

// mockFunder records funding attempts and can be told to fail.
type mockFunder struct {
	mu       sync.Mutex
	calls    []string
	failWith error
}

func (m *mockFunder) Fund(ctx context.Context, transactionID string) (*escrow.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, transactionID)
	if m.failWith != nil {
		return nil, m.failWith
	}
	return &escrow.Transaction{ID: transactionID, Status: escrow.StatusVerificationPeriod}, nil
}

func (m *mockFunder) fundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService() (*Service, *mockFunder, *events.MemorySink) {
	funder := &mockFunder{}
	sink := events.NewMemorySink()
	svc := NewService(NewMemoryStore()).
		WithFunder(funder).
		WithPublisher(sink).
		WithLogger(testLogger())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return svc, funder, sink
}

func initiateFunding(t *testing.T, svc *Service) *Payment {
	t.Helper()
	p, err := svc.Initiate(context.Background(), InitiateRequest{
		PayerID:       "usr_b0000000000000000000000b1",
		TransactionID: "txn_000000000000000000000001",
		Type:          TypeFunding,
		AmountMinor:   1_000_000,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return p
}

func TestInitiate_GeneratesProviderRef(t *testing.T) {
	svc, _, sink := newTestService()
	p := initiateFunding(t, svc)

	if p.Status != StatusInitiated {
		t.Errorf("status = %s, want %s", p.Status, StatusInitiated)
	}
	if len(p.ProviderRef) < 5 || p.ProviderRef[:4] != "BGL-" {
		t.Errorf("provider ref = %q, want BGL- prefix", p.ProviderRef)
	}
	if got := sink.ByType(events.TypePaymentInitiated); len(got) != 1 {
		t.Errorf("payment.initiated events = %d, want 1", len(got))
	}
}

func TestInitiate_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name string
		req  InitiateRequest
	}{
		{"unknown type", InitiateRequest{PayerID: "usr_x", Type: "tithe", AmountMinor: 100}},
		{"zero amount", InitiateRequest{PayerID: "usr_x", Type: TypeListingFee, AmountMinor: 0}},
		{"funding without transaction", InitiateRequest{PayerID: "usr_x", Type: TypeFunding, AmountMinor: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Initiate(ctx, tc.req); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestReconcile_SuccessFundsTransaction(t *testing.T) {
	svc, funder, sink := newTestService()
	ctx := context.Background()
	p := initiateFunding(t, svc)

	got, err := svc.Reconcile(ctx, CallbackPayload{
		TxRef:        p.ProviderRef,
		Status:       "successful",
		ProviderTxID: "982734",
		FeesMinor:    15_000,
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got.Status != StatusSuccess {
		t.Errorf("status = %s, want %s", got.Status, StatusSuccess)
	}
	if got.NetMinor != 985_000 {
		t.Errorf("net = %d, want amount minus fees", got.NetMinor)
	}
	if got.ReconciledAt == nil {
		t.Error("ReconciledAt not stamped")
	}
	if funder.fundCount() != 1 {
		t.Errorf("fund calls = %d, want 1", funder.fundCount())
	}
	if len(sink.ByType(events.TypePaymentReconciled)) != 1 {
		t.Error("payment.reconciled event missing")
	}
}

func TestReconcile_DuplicateDeliveryIsNoOp(t *testing.T) {
	svc, funder, _ := newTestService()
	ctx := context.Background()
	p := initiateFunding(t, svc)

	payload := CallbackPayload{TxRef: p.ProviderRef, Status: "successful", FeesMinor: 10_000}
	if _, err := svc.Reconcile(ctx, payload); err != nil {
		t.Fatal(err)
	}

	dup, err := svc.Reconcile(ctx, payload)
	if !errors.Is(err, ErrDuplicateDelivery) {
		t.Fatalf("err = %v, want ErrDuplicateDelivery", err)
	}
	if dup.Status != StatusSuccess {
		t.Errorf("duplicate returned status %s", dup.Status)
	}
	if funder.fundCount() != 1 {
		t.Errorf("fund calls after duplicate = %d, want 1 (never fund twice)", funder.fundCount())
	}
}

func TestReconcile_FailedLeavesTransactionUntouched(t *testing.T) {
	for _, providerStatus := range []string{"failed", "cancelled"} {
		t.Run(providerStatus, func(t *testing.T) {
			svc, funder, _ := newTestService()
			p := initiateFunding(t, svc)

			got, err := svc.Reconcile(context.Background(), CallbackPayload{
				TxRef:  p.ProviderRef,
				Status: providerStatus,
			})
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if got.Status != StatusFailed {
				t.Errorf("status = %s, want %s", got.Status, StatusFailed)
			}
			if funder.fundCount() != 0 {
				t.Error("funder invoked for a failed payment")
			}
		})
	}
}

func TestReconcile_FailedThenSuccessRetry(t *testing.T) {
	// A failed payment is terminal; the retry happens through a fresh
	// payment with a new reference, not by flipping the old one.
	svc, funder, _ := newTestService()
	ctx := context.Background()
	first := initiateFunding(t, svc)

	if _, err := svc.Reconcile(ctx, CallbackPayload{TxRef: first.ProviderRef, Status: "failed"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Reconcile(ctx, CallbackPayload{TxRef: first.ProviderRef, Status: "successful"}); !errors.Is(err, ErrDuplicateDelivery) {
		t.Fatalf("late success on failed payment: err = %v, want ErrDuplicateDelivery", err)
	}
	if funder.fundCount() != 0 {
		t.Error("funder invoked for a terminal-failed payment")
	}

	second, err := svc.Initiate(ctx, InitiateRequest{
		PayerID:       first.PayerID,
		TransactionID: first.TransactionID,
		Type:          TypeFunding,
		AmountMinor:   first.AmountMinor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Reconcile(ctx, CallbackPayload{TxRef: second.ProviderRef, Status: "successful"}); err != nil {
		t.Fatal(err)
	}
	if funder.fundCount() != 1 {
		t.Errorf("fund calls = %d, want 1", funder.fundCount())
	}
}

func TestReconcile_PendingIsNotTerminal(t *testing.T) {
	svc, funder, _ := newTestService()
	ctx := context.Background()
	p := initiateFunding(t, svc)

	got, err := svc.Reconcile(ctx, CallbackPayload{TxRef: p.ProviderRef, Status: "pending"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want %s", got.Status, StatusPending)
	}
	if funder.fundCount() != 0 {
		t.Error("funder invoked for a pending payment")
	}

	// A later success still applies.
	got, err = svc.Reconcile(ctx, CallbackPayload{TxRef: p.ProviderRef, Status: "successful"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSuccess || funder.fundCount() != 1 {
		t.Errorf("status = %s, fund calls = %d", got.Status, funder.fundCount())
	}
}

func TestReconcile_UnknownStatusLeavesPaymentUnchanged(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	p := initiateFunding(t, svc)

	_, err := svc.Reconcile(ctx, CallbackPayload{TxRef: p.ProviderRef, Status: "wobbly"})
	if !errors.Is(err, ErrUnknownProviderStatus) {
		t.Fatalf("err = %v, want ErrUnknownProviderStatus", err)
	}

	got, _ := svc.Get(ctx, p.ID)
	if got.Status != StatusInitiated {
		t.Errorf("payment mutated by unknown status: %s", got.Status)
	}
}

func TestReconcile_UnknownReference(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Reconcile(context.Background(), CallbackPayload{TxRef: "BGL-FFFFFFFFFFFF", Status: "successful"})
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("err = %v, want ErrPaymentNotFound", err)
	}
}

func TestReconcile_FundingFailureRaisesAlert(t *testing.T) {
	svc, funder, sink := newTestService()
	ctx := context.Background()
	funder.failWith = fmt.Errorf("transaction status changed concurrently")

	p := initiateFunding(t, svc)
	got, err := svc.Reconcile(ctx, CallbackPayload{TxRef: p.ProviderRef, Status: "successful"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// Money moved: the payment stays SUCCESS despite the failed transition.
	if got.Status != StatusSuccess {
		t.Errorf("status = %s, want %s", got.Status, StatusSuccess)
	}

	alerts, err := svc.Alerts(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].PaymentID != p.ID {
		t.Errorf("alert payment = %s, want %s", alerts[0].PaymentID, p.ID)
	}
	if len(sink.ByType(events.TypeReconciliationAlert)) != 1 {
		t.Error("reconciliation.alert event missing")
	}
}

func TestResolveAlert(t *testing.T) {
	svc, funder, _ := newTestService()
	ctx := context.Background()
	funder.failWith = fmt.Errorf("boom")

	p := initiateFunding(t, svc)
	if _, err := svc.Reconcile(ctx, CallbackPayload{TxRef: p.ProviderRef, Status: "successful"}); err != nil {
		t.Fatal(err)
	}

	alerts, _ := svc.Alerts(ctx, false)
	resolved, err := svc.ResolveAlert(ctx, alerts[0].ID)
	if err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if !resolved.Resolved() {
		t.Error("alert not marked resolved")
	}

	open, _ := svc.Alerts(ctx, false)
	if len(open) != 0 {
		t.Errorf("open alerts = %d, want 0", len(open))
	}
	all, _ := svc.Alerts(ctx, true)
	if len(all) != 1 {
		t.Errorf("all alerts = %d, want 1", len(all))
	}
}

func TestReconcile_ConcurrentDuplicates(t *testing.T) {
	svc, funder, _ := newTestService()
	ctx := context.Background()
	p := initiateFunding(t, svc)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Reconcile(ctx, CallbackPayload{TxRef: p.ProviderRef, Status: "successful"})
		}()
	}
	wg.Wait()

	if funder.fundCount() != 1 {
		t.Errorf("fund calls = %d, want exactly 1", funder.fundCount())
	}
}

func TestInitiate_DecimalAmountString(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	p, err := svc.Initiate(ctx, InitiateRequest{
		PayerID: "usr_x",
		Type:    TypeListingFee,
		Amount:  "1500.00",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if p.AmountMinor != 150_000 {
		t.Errorf("amountMinor = %d, want 150000", p.AmountMinor)
	}

	// Minor units win when both forms are present.
	p, err = svc.Initiate(ctx, InitiateRequest{
		PayerID:     "usr_x",
		Type:        TypeListingFee,
		AmountMinor: 2_500,
		Amount:      "99.99",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if p.AmountMinor != 2_500 {
		t.Errorf("amountMinor = %d, want 2500", p.AmountMinor)
	}

	for _, bad := range []string{"12.345", "-5.00", "abc"} {
		if _, err := svc.Initiate(ctx, InitiateRequest{
			PayerID: "usr_x",
			Type:    TypeListingFee,
			Amount:  bad,
		}); !errors.Is(err, ErrValidation) {
			t.Errorf("Amount %q: err = %v, want ErrValidation", bad, err)
		}
	}
}
