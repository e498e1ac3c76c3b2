package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher() *Fetcher {
	pool := identity.NewPool(identity.Config{
		UserAgents:  []string{"test-agent"},
		HostQPS:     1000,
		HostBurst:   1000,
		AcquireWait: time.Second,
	})
	return NewFetcher(pool, Config{
		MinDelay:      time.Millisecond,
		TotalTimeout:  2 * time.Second,
		RespectRobots: false,
	})
}

func TestFetchOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><title>ok</title></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "ok")
}

func TestFetchClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   *apperrors.TypedError
	}{
		{"rate limited", 429, "", apperrors.ErrTooManyRequests},
		{"forbidden", 403, "denied", apperrors.ErrForbidden},
		{"captcha interstitial", 403, "please solve the CAPTCHA", apperrors.ErrCaptcha},
		{"not found", 404, "", apperrors.ErrNotFound},
		{"server error", 500, "", apperrors.ErrServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f := newTestFetcher()
			_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestFetchCaptchaInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>请输入验证码</html>"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	assert.True(t, errors.Is(err, apperrors.ErrCaptcha))
}

func TestFetchDecodesDeclaredCharset(t *testing.T) {
	// "你好" in GBK
	gbk := []byte{0xc4, 0xe3, 0xba, 0xc3}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=gbk")
		_, _ = w.Write(gbk)
	}))
	defer srv.Close()

	f := newTestFetcher()
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "你好", string(resp.Body))
}

func TestRobotsDisallowBlocks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})
	mux.HandleFunc("/private/page", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secret"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pool := identity.NewPool(identity.Config{
		UserAgents: []string{"ua"}, HostQPS: 1000, HostBurst: 1000, AcquireWait: time.Second,
	})
	f := NewFetcher(pool, Config{MinDelay: time.Millisecond, RespectRobots: true})

	_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/private/page"})
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))

	// Per-spider override skips the check
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/private/page", SkipRobots: true})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	pool := identity.NewPool(identity.Config{
		UserAgents: []string{"ua"}, HostQPS: 1000, HostBurst: 1000, AcquireWait: time.Second,
		BaseCooldown: time.Millisecond, MaxCooldown: 2 * time.Millisecond,
	})
	f := NewFetcher(pool, Config{
		MinDelay:           time.Millisecond,
		BreakerMaxFailures: 3,
		BreakerTimeout:     time.Minute,
	})

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		assert.True(t, errors.Is(err, apperrors.ErrServerError))
	}

	// Breaker is now open; the request fails without reaching the host
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	te, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "SERVER_ERROR", te.Code)
	assert.Equal(t, "host circuit open", te.Details["reason"])
}
