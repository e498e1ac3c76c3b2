package fetch

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// robotsCache fetches and caches per-host robots.txt rules. Rules are
// the simple Disallow prefixes for User-agent: * groups; anything more
// exotic is treated as allowed, matching crawler convention for polite
// best effort.
type robotsCache struct {
	mu      sync.Mutex
	entries map[string]*robotsEntry
	ttl     time.Duration
	client  *http.Client
}

type robotsEntry struct {
	disallow  []string
	fetchedAt time.Time
}

func newRobotsCache(ttl time.Duration) *robotsCache {
	return &robotsCache{
		entries: make(map[string]*robotsEntry),
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Allowed reports whether the URL path may be fetched under the
// host's robots.txt. Unreachable robots files allow everything.
func (rc *robotsCache) Allowed(ctx context.Context, u *url.URL) bool {
	entry := rc.entry(ctx, u)
	if entry == nil {
		return true
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, prefix := range entry.disallow {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

func (rc *robotsCache) entry(ctx context.Context, u *url.URL) *robotsEntry {
	rc.mu.Lock()
	entry, ok := rc.entries[u.Host]
	if ok && time.Since(entry.fetchedAt) < rc.ttl {
		rc.mu.Unlock()
		return entry
	}
	rc.mu.Unlock()

	entry = rc.fetch(ctx, u)

	rc.mu.Lock()
	rc.entries[u.Host] = entry
	rc.mu.Unlock()
	return entry
}

func (rc *robotsCache) fetch(ctx context.Context, u *url.URL) *robotsEntry {
	entry := &robotsEntry{fetchedAt: time.Now()}

	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return entry
	}
	resp, err := rc.client.Do(req)
	if err != nil {
		return entry
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return entry
	}

	entry.disallow = parseRobots(resp)
	return entry
}

// parseRobots extracts Disallow prefixes from User-agent: * groups.
func parseRobots(resp *http.Response) []string {
	var disallow []string
	applies := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "user-agent":
			applies = value == "*"
		case "disallow":
			if applies && value != "" {
				disallow = append(disallow, value)
			}
		}
	}
	return disallow
}
