// Package replay records payment ids that have already been accepted so a
// signed payload cannot be spent twice.
package replay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity bounds the in-memory guard.
const DefaultCapacity = 100_000

var (
	ErrEmptyPaymentID = errors.New("replay: empty payment id")

	// ErrCapacity is returned when every slot of a MemoryGuard holds an
	// unexpired claim.
	ErrCapacity = errors.New("replay: guard is full")
)

// Guard claims payment ids. Claim reports false when the id was already
// claimed and has not expired.
type Guard interface {
	Claim(ctx context.Context, paymentID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, paymentID string) error
}

// MemoryGuard keeps claims in a process local LRU. Each entry holds until
// its own deadline; a full guard purges lapsed claims and refuses new ones
// rather than evict a live claim.
type MemoryGuard struct {
	mu       sync.Mutex
	cache    *simplelru.LRU[string, time.Time]
	capacity int
	now      func() time.Time
}

func NewMemoryGuard(capacity int) *MemoryGuard {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// only errors on a non-positive size
	cache, _ := simplelru.NewLRU[string, time.Time](capacity, nil)
	return &MemoryGuard{
		cache:    cache,
		capacity: capacity,
		now:      time.Now,
	}
}

func (g *MemoryGuard) Claim(_ context.Context, paymentID string, ttl time.Duration) (bool, error) {
	key, err := normalize(paymentID)
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if until, ok := g.cache.Peek(key); ok {
		if now.Before(until) {
			return false, nil
		}
		g.cache.Remove(key)
	}
	if g.cache.Len() >= g.capacity && g.purge(now) == 0 {
		return false, ErrCapacity
	}
	g.cache.Add(key, now.Add(ttl))
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, paymentID string) error {
	key, err := normalize(paymentID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache.Remove(key)
	return nil
}

// Len returns the number of held claims, lapsed ones included until the
// next purge.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.Len()
}

// purge drops lapsed claims and returns how many were removed.
func (g *MemoryGuard) purge(now time.Time) int {
	n := 0
	for _, key := range g.cache.Keys() {
		if until, ok := g.cache.Peek(key); ok && !now.Before(until) {
			g.cache.Remove(key)
			n++
		}
	}
	return n
}

func normalize(paymentID string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(paymentID))
	if id == "" {
		return "", ErrEmptyPaymentID
	}
	return id, nil
}
