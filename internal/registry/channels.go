package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/storage"
	logx "github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
)

// DefaultMaxChannels caps how many destinations one principal may register.
const DefaultMaxChannels = 5

// Channels stores, per principal, an insertion-ordered list of broadcast
// destinations. Capacity and uniqueness are enforced here rather than in
// the interactive flow, so the invariants hold no matter which caller
// mutates the registry.
//
// Transport-side eligibility (destination resolvable, bot can post) is the
// caller's job; this registry performs no transport calls.
type Channels struct {
	max   int
	store storage.Store
	log   logx.Logger

	mu     sync.Mutex
	byUser map[int64][]storage.Channel
	loaded map[int64]bool
}

func NewChannels(max int, store storage.Store, log logx.Logger) *Channels {
	if max <= 0 {
		max = DefaultMaxChannels
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channels{
		max:    max,
		store:  store,
		log:    log,
		byUser: map[int64][]storage.Channel{},
		loaded: map[int64]bool{},
	}
}

func (c *Channels) Max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// SetMax updates the capacity. Existing over-cap sets keep their entries;
// the cap only gates new additions. Safe for config hot-reload.
func (c *Channels) SetMax(max int) {
	if max <= 0 {
		max = DefaultMaxChannels
	}
	c.mu.Lock()
	c.max = max
	c.mu.Unlock()
}

// List returns the principal's registrations in insertion order.
// The returned slice is a copy.
func (c *Channels) List(ctx context.Context, owner int64) ([]storage.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(ctx, owner); err != nil {
		return nil, err
	}
	return append([]storage.Channel(nil), c.byUser[owner]...), nil
}

// Add appends a destination for the principal.
// Fails with ErrCapacityExceeded at the cap and ErrDuplicateChannel when
// the chat id is already present; either way the set is unchanged.
func (c *Channels) Add(ctx context.Context, owner int64, ch storage.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(ctx, owner); err != nil {
		return err
	}

	cur := c.byUser[owner]
	if len(cur) >= c.max {
		return ErrCapacityExceeded
	}
	for _, existing := range cur {
		if existing.ChatID == ch.ChatID {
			return ErrDuplicateChannel
		}
	}

	if ch.AddedAt.IsZero() {
		ch.AddedAt = time.Now()
	}
	next := append(append([]storage.Channel(nil), cur...), ch)
	if err := c.store.SaveChannels(ctx, owner, next); err != nil {
		return fmt.Errorf("persist channels: %w", err)
	}
	c.byUser[owner] = next
	c.log.Info("channel added", logx.Int64("owner_id", owner), logx.Int64("chat_id", ch.ChatID), logx.String("name", ch.Name))
	return nil
}

// Remove deletes the destination with the given chat id from the
// principal's own set. Fails with ErrNotFound when absent; the remaining
// elements keep their order.
func (c *Channels) Remove(ctx context.Context, owner, chatID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(ctx, owner); err != nil {
		return err
	}

	cur := c.byUser[owner]
	idx := -1
	for i, existing := range cur {
		if existing.ChatID == chatID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	next := make([]storage.Channel, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	if err := c.store.SaveChannels(ctx, owner, next); err != nil {
		return fmt.Errorf("persist channels: %w", err)
	}
	c.byUser[owner] = next
	c.log.Info("channel removed", logx.Int64("owner_id", owner), logx.Int64("chat_id", chatID))
	return nil
}

// Find returns the principal's registration matching the chat id.
func (c *Channels) Find(ctx context.Context, owner, chatID int64) (storage.Channel, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(ctx, owner); err != nil {
		return storage.Channel{}, false, err
	}
	for _, ch := range c.byUser[owner] {
		if ch.ChatID == chatID {
			return ch, true, nil
		}
	}
	return storage.Channel{}, false, nil
}

func (c *Channels) ensureLoadedLocked(ctx context.Context, owner int64) error {
	if c.loaded[owner] {
		return nil
	}
	chs, err := c.store.LoadChannels(ctx, owner)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	c.byUser[owner] = chs
	c.loaded[owner] = true
	return nil
}
