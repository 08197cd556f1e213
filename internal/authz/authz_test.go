package authz

import (
	"context"
	"testing"
	"time"
)

func newActor(id string, role Role) *Actor {
	return &Actor{
		ID:        id,
		Name:      "Test " + id,
		Role:      role,
		CreatedAt: time.Now(),
	}
}

func TestActor_HasCapability(t *testing.T) {
	tests := []struct {
		role Role
		cap  Capability
		want bool
	}{
		{RoleUser, CapApproveRelease, false},
		{RoleUser, CapResolveDispute, false},
		{RoleMediator, CapReviewDispute, true},
		{RoleMediator, CapMediateDispute, true},
		{RoleMediator, CapResolveDispute, true},
		{RoleMediator, CapApproveRelease, false},
		{RoleAdmin, CapApproveRelease, true},
		{RoleAdmin, CapRejectRelease, true},
		{RoleAdmin, CapResolveDispute, true},
		{RoleAdmin, CapManageActors, true},
	}

	for _, tt := range tests {
		actor := newActor("usr_test", tt.role)
		if got := actor.HasCapability(tt.cap); got != tt.want {
			t.Errorf("%s.HasCapability(%s) = %v, want %v", tt.role, tt.cap, got, tt.want)
		}
	}
}

func TestActor_SuspendedHasNoCapabilities(t *testing.T) {
	actor := newActor("usr_admin", RoleAdmin)
	actor.Suspended = true

	if actor.HasCapability(CapApproveRelease) {
		t.Error("Suspended admin should have no capabilities")
	}
}

func TestAuthorizer_Resolve(t *testing.T) {
	store := NewMemoryStore()
	az := NewAuthorizer(store)
	ctx := context.Background()

	admin := newActor("usr_admin1", RoleAdmin)
	if err := store.Create(ctx, admin); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := az.Resolve(ctx, "usr_admin1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Role != RoleAdmin {
		t.Errorf("Expected admin role, got %s", got.Role)
	}
}

func TestAuthorizer_Resolve_Empty(t *testing.T) {
	az := NewAuthorizer(NewMemoryStore())

	if _, err := az.Resolve(context.Background(), ""); err != ErrNoActor {
		t.Errorf("Expected ErrNoActor, got %v", err)
	}
	if _, err := az.Resolve(context.Background(), "   "); err != ErrNoActor {
		t.Errorf("Expected ErrNoActor for whitespace, got %v", err)
	}
}

func TestAuthorizer_Resolve_Unknown(t *testing.T) {
	az := NewAuthorizer(NewMemoryStore())

	if _, err := az.Resolve(context.Background(), "usr_ghost"); err != ErrUnknownActor {
		t.Errorf("Expected ErrUnknownActor, got %v", err)
	}
}

func TestAuthorizer_Resolve_Suspended(t *testing.T) {
	store := NewMemoryStore()
	az := NewAuthorizer(store)
	ctx := context.Background()

	suspended := newActor("usr_bad", RoleUser)
	suspended.Suspended = true
	if err := store.Create(ctx, suspended); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := az.Resolve(ctx, "usr_bad"); err != ErrSuspended {
		t.Errorf("Expected ErrSuspended, got %v", err)
	}
}

func TestAuthorizer_Require(t *testing.T) {
	az := NewAuthorizer(NewMemoryStore())

	admin := newActor("usr_a", RoleAdmin)
	user := newActor("usr_u", RoleUser)

	if err := az.Require(admin, CapApproveRelease); err != nil {
		t.Errorf("Expected admin to pass, got %v", err)
	}
	if err := az.Require(user, CapApproveRelease); err != ErrForbidden {
		t.Errorf("Expected ErrForbidden for user, got %v", err)
	}
	if err := az.Require(nil, CapApproveRelease); err != ErrNoActor {
		t.Errorf("Expected ErrNoActor for nil actor, got %v", err)
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	actor := newActor("usr_1", RoleUser)
	if err := store.Create(ctx, actor); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "usr_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != actor.Name {
		t.Errorf("Expected name %q, got %q", actor.Name, got.Name)
	}

	// Mutating the returned copy must not affect the store
	got.Role = RoleAdmin
	again, _ := store.Get(ctx, "usr_1")
	if again.Role != RoleUser {
		t.Error("Store should return copies, not shared pointers")
	}

	got.ID = "usr_1"
	got.Role = RoleMediator
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	updated, _ := store.Get(ctx, "usr_1")
	if updated.Role != RoleMediator {
		t.Errorf("Expected mediator after update, got %s", updated.Role)
	}

	if err := store.Update(ctx, newActor("usr_missing", RoleUser)); err != ErrUnknownActor {
		t.Errorf("Expected ErrUnknownActor updating missing actor, got %v", err)
	}

	actors, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(actors) != 1 {
		t.Errorf("Expected 1 actor, got %d", len(actors))
	}
}
