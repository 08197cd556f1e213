// Package authz provides actor identity and role-based authorization.
//
// Authorization model:
// - Party actions (approve milestone, open dispute) are checked against the
//   transaction's buyer/seller by the escrow service, not here.
// - Privileged actions (high-value release approval, dispute resolution)
//   require a role capability, checked by the Authorizer.
package authz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoActor      = errors.New("actor identity required")
	ErrUnknownActor = errors.New("unknown actor")
	ErrSuspended    = errors.New("actor is suspended")
	ErrForbidden    = errors.New("actor lacks required capability")
)

// Role classifies an actor on the platform.
type Role string

const (
	RoleUser     Role = "user"     // buyers and sellers
	RoleMediator Role = "mediator" // can review, mediate, and resolve disputes
	RoleAdmin    Role = "admin"    // can approve releases and resolve disputes
)

// Capability names a privileged action.
type Capability string

const (
	CapApproveRelease  Capability = "escrow.approve_release"
	CapRejectRelease   Capability = "escrow.reject_release"
	CapReviewDispute   Capability = "dispute.review"
	CapMediateDispute  Capability = "dispute.mediate"
	CapResolveDispute  Capability = "dispute.resolve"
	CapManageActors    Capability = "actors.manage"
)

// roleCaps maps each role to its capabilities.
var roleCaps = map[Role]map[Capability]bool{
	RoleUser: {},
	RoleMediator: {
		CapReviewDispute:  true,
		CapMediateDispute: true,
		CapResolveDispute: true,
	},
	RoleAdmin: {
		CapApproveRelease: true,
		CapRejectRelease:  true,
		CapReviewDispute:  true,
		CapMediateDispute: true,
		CapResolveDispute: true,
		CapManageActors:   true,
	},
}

// Actor is a platform identity: a buyer, seller, mediator, or admin.
type Actor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasCapability reports whether the actor's role grants the capability.
func (a *Actor) HasCapability(cap Capability) bool {
	if a.Suspended {
		return false
	}
	return roleCaps[a.Role][cap]
}

// Store persists actors
type Store interface {
	Create(ctx context.Context, actor *Actor) error
	Get(ctx context.Context, id string) (*Actor, error)
	Update(ctx context.Context, actor *Actor) error
	List(ctx context.Context) ([]*Actor, error)
}

// Authorizer resolves actor identities and checks capabilities.
type Authorizer struct {
	store Store
}

// NewAuthorizer creates an Authorizer backed by the given store.
func NewAuthorizer(store Store) *Authorizer {
	return &Authorizer{store: store}
}

// Resolve looks up an actor by ID and rejects suspended actors.
func (a *Authorizer) Resolve(ctx context.Context, actorID string) (*Actor, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, ErrNoActor
	}
	actor, err := a.store.Get(ctx, actorID)
	if err != nil {
		return nil, ErrUnknownActor
	}
	if actor.Suspended {
		return nil, ErrSuspended
	}
	return actor, nil
}

// Require checks that the actor holds the capability.
func (a *Authorizer) Require(actor *Actor, cap Capability) error {
	if actor == nil {
		return ErrNoActor
	}
	if !actor.HasCapability(cap) {
		return ErrForbidden
	}
	return nil
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu     sync.RWMutex
	actors map[string]*Actor
}

// NewMemoryStore creates a new in-memory actor store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors: make(map[string]*Actor),
	}
}

func (s *MemoryStore) Create(ctx context.Context, actor *Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *actor
	s.actors[actor.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	actor, ok := s.actors[id]
	if !ok {
		return nil, ErrUnknownActor
	}
	cp := *actor
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, actor *Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[actor.ID]; !ok {
		return ErrUnknownActor
	}
	cp := *actor
	s.actors[actor.ID] = &cp
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}
