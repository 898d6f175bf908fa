// Package keypool maintains the in-memory index of usable credentials per
// tier and evolves credential health from provider error signals.
package keypool

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/chatpool/gateway/internal/shared/models"
)

// ErrNoCapacity is returned when a tier has no selectable credential.
var ErrNoCapacity = errors.New("no credential configured for tier")

// CredentialSource lists usable credentials; implemented by the database.
type CredentialSource interface {
	ListActive(ctx context.Context, tier string) ([]models.Credential, error)
}

// Pool holds an immutable per-tier snapshot of active credentials behind a
// single swappable reference. Refresh builds a new snapshot and swaps it
// whole; readers never observe a partially rebuilt pool.
type Pool struct {
	source   CredentialSource
	snapshot sync.RWMutex // guards snap pointer swap only
	snap     map[string][]models.Credential

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an empty pool. Call Refresh to populate it.
func New(source CredentialSource) *Pool {
	return &Pool{
		source: source,
		snap:   make(map[string][]models.Credential),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Refresh reloads all enabled, active credentials and replaces the snapshot
// atomically. A store read failure degrades to an empty pool rather than an
// error: an empty tier is a normal (if degraded) state for callers.
func (p *Pool) Refresh(ctx context.Context) {
	next := make(map[string][]models.Credential)

	creds, err := p.source.ListActive(ctx, "")
	if err != nil {
		log.Printf("keypool: refresh failed, serving empty pool: %v", err)
	} else {
		for _, c := range creds {
			if !c.Usable() {
				continue
			}
			next[c.Tier] = append(next[c.Tier], c)
		}
	}

	p.snapshot.Lock()
	p.snap = next
	p.snapshot.Unlock()
}

// Credentials returns the current snapshot slice for a tier. The slice is
// shared and must not be mutated.
func (p *Pool) Credentials(tier string) []models.Credential {
	p.snapshot.RLock()
	defer p.snapshot.RUnlock()
	return p.snap[tier]
}

// Size returns how many credentials a tier currently holds.
func (p *Pool) Size(tier string) int {
	return len(p.Credentials(tier))
}

// SelectWeighted returns one credential from the tier using weighted random
// selection: probability proportional to weight, weight 0 never selected.
// Returns ErrNoCapacity when nothing is selectable.
func (p *Pool) SelectWeighted(tier string) (models.Credential, error) {
	creds := p.Credentials(tier)
	if len(creds) == 0 {
		return models.Credential{}, ErrNoCapacity
	}

	total := 0
	for _, c := range creds {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total == 0 {
		return models.Credential{}, ErrNoCapacity
	}

	roll := p.randIntn(total)
	cumulative := 0
	for _, c := range creds {
		if c.Weight <= 0 {
			continue
		}
		cumulative += c.Weight
		if roll < cumulative {
			return c, nil
		}
	}
	// unreachable with a positive total
	return creds[len(creds)-1], nil
}

func (p *Pool) randIntn(n int) int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Intn(n)
}
