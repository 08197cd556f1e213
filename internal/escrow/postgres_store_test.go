//go:build integration

package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mensahq/landbridge/internal/pagination"
	"github.com/mensahq/landbridge/internal/testutil"
)

func newPGFixture(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func pgTransaction(n int) (*Transaction, []*Milestone) {
	now := time.Now().Truncate(time.Microsecond)
	tx := &Transaction{
		ID:               fmt.Sprintf("txn_pg%022d", n),
		OfferID:          fmt.Sprintf("ofr_pg%022d", n),
		ListingID:        "lst_pg0000000000000000000001",
		BuyerID:          "usr_pgbuyer00000000000000001",
		SellerID:         "usr_pgseller0000000000000001",
		AgreedPriceMinor: 2_500_000,
		Status:           StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ms := []*Milestone{
		{
			ID:            fmt.Sprintf("mls_pg%022d", n*10),
			TransactionID: tx.ID,
			Name:          "Title search",
			AmountMinor:   500_000,
			SortOrder:     0,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		{
			ID:            fmt.Sprintf("mls_pg%022d", n*10+1),
			TransactionID: tx.ID,
			Name:          "Deed transfer",
			AmountMinor:   2_000_000,
			SortOrder:     1,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
	return tx, ms
}

func TestPostgresStore_CreateAndGetTransaction(t *testing.T) {
	store, cleanup := newPGFixture(t)
	defer cleanup()
	ctx := context.Background()

	tx, ms := pgTransaction(1)
	if err := store.CreateTransaction(ctx, tx, ms); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	got, err := store.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.OfferID != tx.OfferID || got.AgreedPriceMinor != tx.AgreedPriceMinor {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Status != StatusCreated {
		t.Errorf("status = %s", got.Status)
	}

	byOffer, err := store.GetTransactionByOffer(ctx, tx.OfferID)
	if err != nil {
		t.Fatalf("GetTransactionByOffer: %v", err)
	}
	if byOffer.ID != tx.ID {
		t.Errorf("byOffer.ID = %s, want %s", byOffer.ID, tx.ID)
	}

	milestones, err := store.ListMilestones(ctx, tx.ID)
	if err != nil {
		t.Fatalf("ListMilestones: %v", err)
	}
	if len(milestones) != 2 {
		t.Fatalf("len(milestones) = %d", len(milestones))
	}
	if milestones[0].Name != "Title search" || milestones[1].Name != "Deed transfer" {
		t.Errorf("milestones out of sort order: %s, %s", milestones[0].Name, milestones[1].Name)
	}
}

func TestPostgresStore_DuplicateOfferRejected(t *testing.T) {
	store, cleanup := newPGFixture(t)
	defer cleanup()
	ctx := context.Background()

	tx, ms := pgTransaction(2)
	if err := store.CreateTransaction(ctx, tx, ms); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	dup, dupMs := pgTransaction(3)
	dup.OfferID = tx.OfferID
	err := store.CreateTransaction(ctx, dup, dupMs)
	if !errors.Is(err, ErrOfferAlreadyUsed) {
		t.Errorf("err = %v, want ErrOfferAlreadyUsed", err)
	}
}

func TestPostgresStore_StatusCAS(t *testing.T) {
	store, cleanup := newPGFixture(t)
	defer cleanup()
	ctx := context.Background()

	tx, ms := pgTransaction(4)
	if err := store.CreateTransaction(ctx, tx, ms); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	if err := store.UpdateTransactionStatus(ctx, tx.ID, StatusCreated, StatusEscrowRequested, StatusStamp{UpdatedAt: now}); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// Same from-status again loses the compare-and-swap.
	err := store.UpdateTransactionStatus(ctx, tx.ID, StatusCreated, StatusEscrowRequested, StatusStamp{UpdatedAt: now})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("stale transition err = %v, want ErrConflict", err)
	}

	// Unknown ID is not a conflict.
	err = store.UpdateTransactionStatus(ctx, "txn_pg_missing", StatusCreated, StatusEscrowRequested, StatusStamp{UpdatedAt: now})
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("missing transition err = %v, want ErrTransactionNotFound", err)
	}
}

func TestPostgresStore_StatusStampFields(t *testing.T) {
	store, cleanup := newPGFixture(t)
	defer cleanup()
	ctx := context.Background()

	tx, ms := pgTransaction(5)
	tx.Status = StatusEscrowRequested
	if err := store.CreateTransaction(ctx, tx, ms); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	fundedAt := time.Now().Truncate(time.Microsecond)
	endsAt := fundedAt.Add(7 * 24 * time.Hour)
	err := store.UpdateTransactionStatus(ctx, tx.ID, StatusEscrowRequested, StatusFunded, StatusStamp{
		UpdatedAt:          fundedAt,
		FundedAt:           &fundedAt,
		VerificationEndsAt: &endsAt,
	})
	if err != nil {
		t.Fatalf("fund transition: %v", err)
	}

	got, err := store.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FundedAt == nil || !got.FundedAt.Equal(fundedAt) {
		t.Errorf("FundedAt = %v, want %v", got.FundedAt, fundedAt)
	}
	if got.VerificationEndsAt == nil || !got.VerificationEndsAt.Equal(endsAt) {
		t.Errorf("VerificationEndsAt = %v, want %v", got.VerificationEndsAt, endsAt)
	}
}

func TestPostgresStore_ListTransactionsByParty(t *testing.T) {
	store, cleanup := newPGFixture(t)
	defer cleanup()
	ctx := context.Background()

	for n := 6; n < 9; n++ {
		tx, ms := pgTransaction(n)
		if err := store.CreateTransaction(ctx, tx, ms); err != nil {
			t.Fatalf("CreateTransaction %d: %v", n, err)
		}
	}

	buyerTxs, err := store.ListTransactionsByParty(ctx, "usr_pgbuyer00000000000000001", 10, nil)
	if err != nil {
		t.Fatalf("ListTransactionsByParty: %v", err)
	}
	if len(buyerTxs) != 3 {
		t.Errorf("len = %d, want 3", len(buyerTxs))
	}

	limited, err := store.ListTransactionsByParty(ctx, "usr_pgseller0000000000000001", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limited len = %d, want 2", len(limited))
	}

	none, err := store.ListTransactionsByParty(ctx, "usr_pgnobody0000000000000001", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("stranger len = %d, want 0", len(none))
	}

	// Keyset cursor resumes strictly after the first page.
	all, err := store.ListTransactionsByParty(ctx, "usr_pgbuyer00000000000000001", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	cursor := &pagination.Cursor{CreatedAt: all[0].CreatedAt, ID: all[0].ID}
	rest, err := store.ListTransactionsByParty(ctx, "usr_pgbuyer00000000000000001", 10, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != len(all)-1 {
		t.Errorf("after cursor len = %d, want %d", len(rest), len(all)-1)
	}
	for _, tx := range rest {
		if tx.ID == all[0].ID {
			t.Error("cursor page repeated the anchor row")
		}
	}
}

func TestPostgresStore_MilestoneUpdate(t *testing.T) {
	store, cleanup := newPGFixture(t)
	defer cleanup()
	ctx := context.Background()

	tx, ms := pgTransaction(9)
	if err := store.CreateTransaction(ctx, tx, ms); err != nil {
		t.Fatal(err)
	}

	m, err := store.GetMilestone(ctx, ms[0].ID)
	if err != nil {
		t.Fatalf("GetMilestone: %v", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	m.BuyerApprovedAt = &now
	m.SellerApprovedAt = &now
	m.CompletedAt = &now
	m.UpdatedAt = now
	if err := store.UpdateMilestone(ctx, m); err != nil {
		t.Fatalf("UpdateMilestone: %v", err)
	}

	got, err := store.GetMilestone(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, now)
	}
	if !got.Completed() {
		t.Error("Completed() = false after both approvals")
	}
}

func TestPostgresStore_DisputeLifecycle(t *testing.T) {
	store, cleanup := newPGFixture(t)
	defer cleanup()
	ctx := context.Background()

	tx, ms := pgTransaction(10)
	if err := store.CreateTransaction(ctx, tx, ms); err != nil {
		t.Fatal(err)
	}

	now := time.Now().Truncate(time.Microsecond)
	d := &Dispute{
		ID:            "dsp_pg0000000000000000000001",
		TransactionID: tx.ID,
		RaisedBy:      tx.BuyerID,
		Reason:        "boundary pillar moved after survey",
		Status:        DisputeOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateDispute(ctx, d); err != nil {
		t.Fatalf("CreateDispute: %v", err)
	}

	open, err := store.GetOpenDispute(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetOpenDispute: %v", err)
	}
	if open.ID != d.ID {
		t.Errorf("open.ID = %s", open.ID)
	}

	buyer := int64(1_000_000)
	seller := int64(1_500_000)
	d.Status = DisputeResolved
	d.Outcome = OutcomePartial
	d.ResolutionNotes = "split per mediation agreement"
	d.BuyerAmountMinor = &buyer
	d.SellerAmountMinor = &seller
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := store.UpdateDispute(ctx, d); err != nil {
		t.Fatalf("UpdateDispute: %v", err)
	}

	if _, err := store.GetOpenDispute(ctx, tx.ID); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("GetOpenDispute after resolve: %v, want ErrDisputeNotFound", err)
	}

	got, err := store.GetDispute(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != OutcomePartial || got.BuyerAmountMinor == nil || *got.BuyerAmountMinor != buyer {
		t.Errorf("resolved dispute round trip mismatch: %+v", got)
	}

	all, err := store.ListDisputesByTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("len(disputes) = %d", len(all))
	}
}
