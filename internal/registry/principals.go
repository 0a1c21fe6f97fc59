package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/storage"
	logx "github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
)

// Principals answers authorization queries and maintains the delegated
// admin set. Exactly one owner exists, fixed at construction; the owner is
// always authorized and can never be demoted or removed.
//
// Every mutation persists the full admin set before acknowledging success.
// If the persist fails, the in-memory set is rolled back so memory never
// diverges from durable state.
type Principals struct {
	owner int64
	store storage.Store
	log   logx.Logger

	mu     sync.Mutex
	admins map[int64]struct{}
}

func NewPrincipals(owner int64, store storage.Store, log logx.Logger) *Principals {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Principals{
		owner:  owner,
		store:  store,
		log:    log,
		admins: map[int64]struct{}{},
	}
}

// Load replaces the in-memory admin set with the persisted one.
func (p *Principals) Load(ctx context.Context) error {
	ids, err := p.store.LoadAdmins(ctx)
	if err != nil {
		return fmt.Errorf("load admins: %w", err)
	}
	p.mu.Lock()
	p.admins = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		p.admins[id] = struct{}{}
	}
	p.mu.Unlock()
	p.log.Info("admins loaded", logx.Int("count", len(ids)))
	return nil
}

func (p *Principals) Owner() int64 { return p.owner }

func (p *Principals) IsOwner(id int64) bool { return id == p.owner }

// IsAuthorized reports whether id is the owner or a delegated admin.
func (p *Principals) IsAuthorized(id int64) bool {
	if id == p.owner {
		return true
	}
	p.mu.Lock()
	_, ok := p.admins[id]
	p.mu.Unlock()
	return ok
}

// AddAdmin inserts id into the admin set. Owner-only; adding an existing
// admin is a no-op. The owner id itself is accepted but not stored (the
// owner is implicitly authorized).
func (p *Principals) AddAdmin(ctx context.Context, actor, id int64) error {
	if actor != p.owner {
		return ErrForbidden
	}
	if id == p.owner {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.admins[id]; ok {
		return nil
	}
	p.admins[id] = struct{}{}
	if err := p.store.SaveAdmins(ctx, p.idsLocked()); err != nil {
		delete(p.admins, id)
		return fmt.Errorf("persist admins: %w", err)
	}
	p.log.Info("admin added", logx.Int64("admin_id", id))
	return nil
}

// RemoveAdmin deletes id from the admin set. Owner-only. Removing the
// owner is refused; removing an unknown admin reports ErrNotFound.
func (p *Principals) RemoveAdmin(ctx context.Context, actor, id int64) error {
	if actor != p.owner {
		return ErrForbidden
	}
	if id == p.owner {
		return fmt.Errorf("owner is not removable: %w", ErrForbidden)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.admins[id]; !ok {
		return ErrNotFound
	}
	delete(p.admins, id)
	if err := p.store.SaveAdmins(ctx, p.idsLocked()); err != nil {
		p.admins[id] = struct{}{}
		return fmt.Errorf("persist admins: %w", err)
	}
	p.log.Info("admin removed", logx.Int64("admin_id", id))
	return nil
}

// Admins returns the current admin ids in ascending order.
func (p *Principals) Admins() []int64 {
	p.mu.Lock()
	ids := p.idsLocked()
	p.mu.Unlock()
	return ids
}

func (p *Principals) idsLocked() []int64 {
	ids := make([]int64, 0, len(p.admins))
	for id := range p.admins {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
