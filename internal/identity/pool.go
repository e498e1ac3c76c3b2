// Package identity manages the pool of crawl identities and per-host
// request pacing. An identity is a (user-agent, optional proxy,
// cooldown state) tuple; hosts get token-bucket QPS ceilings.
package identity

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
	"golang.org/x/time/rate"
)

// Identity is one crawl persona handed to the fetcher.
type Identity struct {
	ID        int
	UserAgent string
	ProxyURL  string
}

// identityState tracks penalty state for one identity.
type identityState struct {
	identity         Identity
	cooldownUntil    time.Time
	consecutiveFails int
}

// Config tunes the pool.
type Config struct {
	UserAgents []string
	Proxies    []string

	// HostQPS and HostBurst configure the per-host token bucket.
	HostQPS   float64
	HostBurst int

	// AcquireWait bounds how long Acquire blocks before giving up.
	AcquireWait time.Duration

	// BaseCooldown and MaxCooldown bound the exponential identity
	// penalty applied on blocked/captcha/429/5xx outcomes.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
}

// Pool hands out identities and enforces per-host pacing. Waiters are
// served fairly per host: the token bucket's Wait queues FIFO.
type Pool struct {
	mu         sync.Mutex
	identities []*identityState
	next       int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	hostQPS      float64
	hostBurst    int
	acquireWait  time.Duration
	baseCooldown time.Duration
	maxCooldown  time.Duration

	now func() time.Time
}

// NewPool creates an identity pool. Identities are the cross product
// of user agents and proxies; with no proxies configured each user
// agent is a direct-connection identity.
func NewPool(cfg Config) *Pool {
	if cfg.HostQPS <= 0 {
		cfg.HostQPS = 1
	}
	if cfg.HostBurst <= 0 {
		cfg.HostBurst = 1
	}
	if cfg.AcquireWait <= 0 {
		cfg.AcquireWait = 30 * time.Second
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 30 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 15 * time.Minute
	}

	p := &Pool{
		limiters:     make(map[string]*rate.Limiter),
		hostQPS:      cfg.HostQPS,
		hostBurst:    cfg.HostBurst,
		acquireWait:  cfg.AcquireWait,
		baseCooldown: cfg.BaseCooldown,
		maxCooldown:  cfg.MaxCooldown,
		now:          time.Now,
	}

	proxies := cfg.Proxies
	if len(proxies) == 0 {
		proxies = []string{""}
	}
	id := 0
	for _, proxy := range proxies {
		for _, ua := range cfg.UserAgents {
			p.identities = append(p.identities, &identityState{
				identity: Identity{ID: id, UserAgent: ua, ProxyURL: proxy},
			})
			id++
		}
	}
	return p
}

// limiter returns the token bucket for a host, creating it on first use.
func (p *Pool) limiter(host string) *rate.Limiter {
	p.limitersMu.Lock()
	defer p.limitersMu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.hostQPS), p.hostBurst)
		p.limiters[host] = l
	}
	return l
}

// Acquire returns an identity for the host, honoring the host's QPS
// ceiling and identity cooldowns. Blocks up to the configured wait,
// then fails with ErrNoIdentityAvailable.
func (p *Pool) Acquire(ctx context.Context, host string) (Identity, error) {
	deadline := p.now().Add(p.acquireWait)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := p.limiter(host).Wait(ctx); err != nil {
		return Identity{}, apperrors.ErrNoIdentityAvailable.WithDetail("host", host).WithCause(err)
	}

	for {
		id, wait := p.pick()
		if wait == 0 {
			return id, nil
		}

		// Every identity is cooling down; wait for the soonest one
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Identity{}, apperrors.ErrNoIdentityAvailable.WithDetail("host", host)
		case <-timer.C:
		}
	}
}

// pick returns an available identity, or the wait until one frees up.
// Rotation is round-robin so requests spread across identities.
func (p *Pool) pick() (Identity, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.identities)
	soonest := time.Duration(0)
	for i := 0; i < n; i++ {
		state := p.identities[(p.next+i)%n]
		if !state.cooldownUntil.After(now) {
			p.next = (p.next + i + 1) % n
			return state.identity, 0
		}
		wait := state.cooldownUntil.Sub(now)
		if soonest == 0 || wait < soonest {
			soonest = wait
		}
	}
	return Identity{}, soonest
}

// Release reports the request outcome for an identity. Penalizing
// outcomes apply an exponential, bounded cooldown; success clears the
// penalty streak.
func (p *Pool) Release(host string, id Identity, outcome types.FetchOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id.ID < 0 || id.ID >= len(p.identities) {
		return
	}
	state := p.identities[id.ID]

	if !outcome.Penalizing() {
		state.consecutiveFails = 0
		return
	}

	cooldown := p.baseCooldown << state.consecutiveFails
	if cooldown > p.maxCooldown || cooldown <= 0 {
		cooldown = p.maxCooldown
	}
	state.consecutiveFails++
	state.cooldownUntil = p.now().Add(cooldown)
}

// Available returns how many identities are currently outside a
// cooldown window.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	count := 0
	for _, state := range p.identities {
		if !state.cooldownUntil.After(now) {
			count++
		}
	}
	return count
}

// Size returns the total identity count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities)
}
