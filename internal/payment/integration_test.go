package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/mensahq/landbridge/internal/authz"
	"github.com/mensahq/landbridge/internal/escrow"
)

// TestReconcile_DrivesEscrowLifecycle wires the real escrow service behind
// the reconciler and walks a funding payment end to end.
func TestReconcile_DrivesEscrowLifecycle(t *testing.T) {
	ctx := context.Background()
	buyer := &authz.Actor{ID: "usr_b0000000000000000000000b1", Role: authz.RoleUser}

	escrowSvc := escrow.NewService(escrow.NewMemoryStore()).WithLogger(testLogger())
	svc := NewService(NewMemoryStore()).
		WithFunder(escrowSvc).
		WithLogger(testLogger())

	tx, err := escrowSvc.CreateFromOffer(ctx, escrow.CreateRequest{
		OfferID:          "ofr_000000000000000000000001",
		ListingID:        "lst_000000000000000000000001",
		BuyerID:          buyer.ID,
		SellerID:         "usr_s0000000000000000000000s1",
		AgreedPriceMinor: 2_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := escrowSvc.Transition(ctx, tx.ID, escrow.StatusEscrowRequested, buyer); err != nil {
		t.Fatal(err)
	}

	p, err := svc.Initiate(ctx, InitiateRequest{
		PayerID:       buyer.ID,
		TransactionID: tx.ID,
		Type:          TypeFunding,
		AmountMinor:   2_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Reconcile(ctx, CallbackPayload{
		TxRef:     p.ProviderRef,
		Status:    "successful",
		FeesMinor: 30_000,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := escrowSvc.Get(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != escrow.StatusVerificationPeriod {
		t.Fatalf("transaction status = %s, want %s", got.Status, escrow.StatusVerificationPeriod)
	}
	if got.FundedAt == nil || got.VerificationEndsAt == nil {
		t.Error("funding timestamps not stamped through the reconciler path")
	}

	// Duplicate delivery must not disturb the transaction.
	if _, err := svc.Reconcile(ctx, CallbackPayload{TxRef: p.ProviderRef, Status: "successful"}); !errors.Is(err, ErrDuplicateDelivery) {
		t.Fatalf("duplicate: err = %v", err)
	}
	again, _ := escrowSvc.Get(ctx, tx.ID)
	if !again.UpdatedAt.Equal(got.UpdatedAt) {
		t.Error("duplicate delivery touched the transaction")
	}

	// The reconciler funds once; a second funding payment against the same
	// transaction hits the state machine's guard.
	second, err := svc.Initiate(ctx, InitiateRequest{
		PayerID:       buyer.ID,
		TransactionID: tx.ID,
		Type:          TypeFunding,
		AmountMinor:   2_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Reconcile(ctx, CallbackPayload{TxRef: second.ProviderRef, Status: "successful"}); err != nil {
		t.Fatal(err)
	}
	alerts, _ := svc.Alerts(ctx, false)
	if len(alerts) != 1 {
		t.Fatalf("alerts after double funding = %d, want 1", len(alerts))
	}
}
