//go:build integration

package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mensahq/landbridge/internal/testutil"
)

func TestPostgresStore_ActorRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	actor := &Actor{
		ID:        "usr_pgactor00000000000000001",
		Name:      "Abena Sarpong",
		Role:      RoleMediator,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	if err := store.Create(ctx, actor); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, actor.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != actor.Name || got.Role != RoleMediator || got.Suspended {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := store.Get(ctx, "usr_pg_missing"); !errors.Is(err, ErrUnknownActor) {
		t.Errorf("missing actor err = %v", err)
	}
}

func TestPostgresStore_ActorUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	actor := &Actor{
		ID:        "usr_pgactor00000000000000002",
		Name:      "Yaw Darko",
		Role:      RoleUser,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	if err := store.Create(ctx, actor); err != nil {
		t.Fatal(err)
	}

	actor.Suspended = true
	if err := store.Update(ctx, actor); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, actor.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Suspended {
		t.Error("Suspended not persisted")
	}

	ghost := &Actor{ID: "usr_pg_missing", Name: "ghost", Role: RoleUser}
	if err := store.Update(ctx, ghost); !errors.Is(err, ErrUnknownActor) {
		t.Errorf("update missing err = %v", err)
	}
}

func TestPostgresStore_ActorList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().Truncate(time.Microsecond)
	for i, name := range []string{"Akosua Addo", "Kwesi Appiah", "Efua Mensima"} {
		actor := &Actor{
			ID:        "usr_pgactor0000000000000001" + string(rune('a'+i)),
			Name:      name,
			Role:      RoleUser,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Create(ctx, actor); err != nil {
			t.Fatal(err)
		}
	}

	actors, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(actors) != 3 {
		t.Fatalf("len = %d, want 3", len(actors))
	}
	// Newest first.
	if actors[0].Name != "Efua Mensima" {
		t.Errorf("actors[0].Name = %s", actors[0].Name)
	}
}
