// Package fetch implements the polite HTTP fetch pipeline: identity
// rotation, per-host pacing with jitter, charset decoding and typed
// error classification.
package fetch

import (
	"context"
	"errors"
	"math/rand"
	"mime"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/identity"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/types"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Request describes one fetch.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte

	// SkipRobots overrides the robots.txt check for this spider.
	SkipRobots bool
}

// Response is a decoded fetch result. Body is UTF-8 regardless of the
// source charset.
type Response struct {
	StatusCode int
	Body       []byte
	Header     map[string][]string
	FinalURL   string
	FetchedAt  time.Time
}

// Config tunes the fetcher.
type Config struct {
	MinDelay       time.Duration
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	RespectRobots  bool

	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}

// Fetcher issues polite requests through the identity pool. It is
// stateless between calls except for what the pool and caches hold.
type Fetcher struct {
	pool    *identity.Pool
	cfg     Config
	robots  *robotsCache
	breaker *breakerSet

	clientsMu sync.Mutex
	clients   map[string]*resty.Client

	rng   *rand.Rand
	rngMu sync.Mutex
}

// NewFetcher creates a fetcher over an identity pool.
func NewFetcher(pool *identity.Pool, cfg Config) *Fetcher {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 45 * time.Second
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 8
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Minute
	}
	return &Fetcher{
		pool:    pool,
		cfg:     cfg,
		robots:  newRobotsCache(time.Hour),
		breaker: newBreakerSet(cfg.BreakerMaxFailures, cfg.BreakerTimeout),
		clients: make(map[string]*resty.Client),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// client returns a resty client for the identity's proxy, creating it
// on first use. Cookies are reused per client so an identity keeps its
// session across requests.
func (f *Fetcher) client(proxyURL string) *resty.Client {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	c, ok := f.clients[proxyURL]
	if !ok {
		c = resty.New().
			SetTimeout(f.cfg.TotalTimeout).
			SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
			SetDoNotParseResponse(false)
		if proxyURL != "" {
			c.SetProxy(proxyURL)
		}
		f.clients[proxyURL] = c
	}
	return c
}

// jitteredDelay is the host minimum delay with ±20% randomization.
func (f *Fetcher) jitteredDelay() time.Duration {
	f.rngMu.Lock()
	factor := 0.8 + 0.4*f.rng.Float64()
	f.rngMu.Unlock()
	return time.Duration(float64(f.cfg.MinDelay) * factor)
}

// Fetch issues one request and returns the decoded response or a
// typed error. The identity outcome is reported back to the pool.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, apperrors.NewBadRequest("invalid URL").WithCause(err)
	}

	if f.cfg.RespectRobots && !req.SkipRobots && !f.robots.Allowed(ctx, u) {
		return nil, apperrors.ErrForbidden.WithDetail("reason", "disallowed by robots.txt")
	}

	hb := f.breaker.forHost(u.Host)
	if !hb.Allow() {
		return nil, apperrors.ErrServerError.WithDetail("reason", "host circuit open")
	}

	id, err := f.pool.Acquire(ctx, u.Host)
	if err != nil {
		return nil, err
	}

	// Spread requests on top of the host's token bucket
	select {
	case <-time.After(f.jitteredDelay()):
	case <-ctx.Done():
		f.pool.Release(u.Host, id, types.OutcomeOK)
		return nil, apperrors.ErrTimeout.WithCause(ctx.Err())
	}

	resp, typedErr := f.do(ctx, req, id)
	outcome := outcomeOf(typedErr)
	f.pool.Release(u.Host, id, outcome)
	hb.Record(typedErr == nil)

	if typedErr != nil {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"url":     req.URL,
			"code":    apperrors.CodeOf(typedErr),
			"outcome": string(outcome),
		}).Debug("Fetch failed")
		return nil, typedErr
	}
	return resp, nil
}

// do performs the HTTP exchange and classifies the result.
func (f *Fetcher) do(ctx context.Context, req Request, id identity.Identity) (*Response, error) {
	method := req.Method
	if method == "" {
		method = "GET"
	}

	r := f.client(id.ProxyURL).R().SetContext(ctx)

	// Header order mirrors what mainstream browsers send
	r.SetHeader("User-Agent", id.UserAgent)
	r.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,*/*;q=0.8")
	r.SetHeader("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	r.SetHeader("Accept-Encoding", "gzip, deflate")
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, classifyTransport(err)
	}

	body := resp.Body()
	status := resp.StatusCode()

	switch {
	case status == 429:
		return nil, apperrors.ErrTooManyRequests
	case status == 403:
		if looksLikeCaptcha(body) {
			return nil, apperrors.ErrCaptcha
		}
		return nil, apperrors.ErrForbidden
	case status == 404:
		return nil, apperrors.ErrNotFound
	case status >= 500:
		return nil, apperrors.ErrServerError.WithDetail("status", status)
	case status >= 400:
		return nil, apperrors.ErrMalformed.WithDetail("status", status)
	}

	if looksLikeCaptcha(body) {
		return nil, apperrors.ErrCaptcha
	}

	decoded, err := decodeBody(body, resp.Header().Get("Content-Type"))
	if err != nil {
		return nil, apperrors.ErrMalformed.WithCause(err)
	}

	return &Response{
		StatusCode: status,
		Body:       decoded,
		Header:     resp.Header(),
		FinalURL:   resp.RawResponse.Request.URL.String(),
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// classifyTransport maps transport failures to typed errors.
func classifyTransport(err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return apperrors.ErrTimeout.WithCause(err)
	case strings.Contains(err.Error(), "connection refused"):
		return apperrors.ErrConnectRefused.WithCause(err)
	default:
		return apperrors.ErrConnectRefused.WithCause(err)
	}
}

// outcomeOf maps a typed fetch error to the identity pool outcome.
func outcomeOf(err error) types.FetchOutcome {
	if err == nil {
		return types.OutcomeOK
	}
	switch apperrors.CodeOf(err) {
	case "TOO_MANY_REQUESTS":
		return types.OutcomeTooManyRequests
	case "CAPTCHA":
		return types.OutcomeCaptcha
	case "FORBIDDEN":
		return types.OutcomeBlocked
	case "SERVER_ERROR":
		return types.OutcomeServerError
	case "TIMEOUT", "CONNECTION_ERROR":
		return types.OutcomeNetworkError
	}
	return types.OutcomeOK
}

// captchaMarkers are substrings that identify challenge interstitials.
var captchaMarkers = []string{"captcha", "验证码", "punish?x5secdata", "slide to verify"}

func looksLikeCaptcha(body []byte) bool {
	if len(body) > 4096 {
		body = body[:4096]
	}
	lower := strings.ToLower(string(body))
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// decodeBody converts the body to UTF-8 using the declared charset,
// falling back to sniffing a meta charset, then to the raw bytes.
func decodeBody(body []byte, contentType string) ([]byte, error) {
	name := charsetFromContentType(contentType)
	if name == "" {
		name = sniffCharset(body)
	}
	if name == "" || strings.EqualFold(name, "utf-8") {
		return body, nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil || enc == nil {
		return body, nil
	}
	return decodeWith(enc, body)
}

func decodeWith(enc encoding.Encoding, body []byte) ([]byte, error) {
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

func charsetFromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// sniffCharset scans the document head for a meta charset declaration.
func sniffCharset(body []byte) string {
	head := body
	if len(head) > 2048 {
		head = head[:2048]
	}
	lower := strings.ToLower(string(head))
	idx := strings.Index(lower, "charset=")
	if idx < 0 {
		return ""
	}
	rest := lower[idx+len("charset="):]
	rest = strings.TrimLeft(rest, `"' `)
	end := strings.IndexAny(rest, `"'> ;/`)
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimSpace(rest[:end])
}
