package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		UserAgents:   []string{"ua-1", "ua-2"},
		HostQPS:      1000,
		HostBurst:    1000,
		AcquireWait:  200 * time.Millisecond,
		BaseCooldown: 50 * time.Millisecond,
		MaxCooldown:  time.Second,
	}
}

func TestAcquireRotates(t *testing.T) {
	p := NewPool(testConfig())
	ctx := context.Background()

	a, err := p.Acquire(ctx, "example.com")
	require.NoError(t, err)
	b, err := p.Acquire(ctx, "example.com")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID, "round-robin must rotate identities")
}

func TestPenalizingOutcomeCoolsIdentity(t *testing.T) {
	p := NewPool(testConfig())
	ctx := context.Background()

	id, err := p.Acquire(ctx, "example.com")
	require.NoError(t, err)
	p.Release("example.com", id, types.OutcomeTooManyRequests)

	assert.Equal(t, 1, p.Available())

	// The cooled identity is skipped
	next, err := p.Acquire(ctx, "example.com")
	require.NoError(t, err)
	assert.NotEqual(t, id.ID, next.ID)
}

func TestCooldownGrowsExponentially(t *testing.T) {
	cfg := testConfig()
	cfg.UserAgents = []string{"only"}
	p := NewPool(cfg)

	base := time.Unix(1000, 0)
	now := base
	p.now = func() time.Time { return now }

	id := p.identities[0].identity
	p.Release("h", id, types.OutcomeBlocked)
	first := p.identities[0].cooldownUntil.Sub(now)

	now = p.identities[0].cooldownUntil
	p.Release("h", id, types.OutcomeBlocked)
	second := p.identities[0].cooldownUntil.Sub(now)

	assert.Equal(t, 2*first, second, "cooldown must double per consecutive failure")
}

func TestCooldownIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.UserAgents = []string{"only"}
	p := NewPool(cfg)

	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	id := p.identities[0].identity
	for i := 0; i < 20; i++ {
		p.Release("h", id, types.OutcomeCaptcha)
	}
	assert.LessOrEqual(t, p.identities[0].cooldownUntil.Sub(now), cfg.MaxCooldown)
}

func TestSuccessClearsPenaltyStreak(t *testing.T) {
	cfg := testConfig()
	cfg.UserAgents = []string{"only"}
	p := NewPool(cfg)

	id := p.identities[0].identity
	p.Release("h", id, types.OutcomeServerError)
	p.Release("h", id, types.OutcomeOK)
	assert.Equal(t, 0, p.identities[0].consecutiveFails)
}

func TestExhaustedPoolFailsWithinBound(t *testing.T) {
	cfg := testConfig()
	cfg.UserAgents = []string{"only"}
	cfg.BaseCooldown = time.Minute
	cfg.AcquireWait = 50 * time.Millisecond
	p := NewPool(cfg)
	ctx := context.Background()

	id, err := p.Acquire(ctx, "h")
	require.NoError(t, err)
	p.Release("h", id, types.OutcomeBlocked)

	start := time.Now()
	_, err = p.Acquire(ctx, "h")
	assert.True(t, errors.Is(err, apperrors.ErrNoIdentityAvailable))
	assert.Less(t, time.Since(start), time.Second)
}

func TestProxyFanout(t *testing.T) {
	cfg := testConfig()
	cfg.Proxies = []string{"http://p1:8080", "http://p2:8080"}
	p := NewPool(cfg)
	assert.Equal(t, 4, p.Size(), "identities are user-agent x proxy")
}
