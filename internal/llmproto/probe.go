package llmproto

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// probeTTL is how long a probe verdict (success or failure) stays fresh.
const probeTTL = 600 * time.Second

// ProbeCache memoizes endpoint access probes so repeated job submissions with
// the same credentials do not re-spend a request per job. Keyed by
// sha1(base_url|model|key|protocol-order); entries expire after 10 minutes.
//
// ProbeCache is safe for concurrent use.
type ProbeCache struct {
	mu      sync.Mutex
	entries map[string]probeEntry
	ttl     time.Duration
	now     func() time.Time

	// probe performs the actual access check; replaceable in tests.
	probe func(ctx context.Context, c Caller) error
}

type probeEntry struct {
	err error
	at  time.Time
}

// NewProbeCache creates a ProbeCache with the default TTL.
func NewProbeCache() *ProbeCache {
	return &ProbeCache{
		entries: map[string]probeEntry{},
		ttl:     probeTTL,
		now:     time.Now,
		probe:   doProbe,
	}
}

// Verify checks that the endpoint accepts the configured credentials,
// serving from cache when a fresh verdict exists. The returned error is the
// original call failure (typically a *CallError).
func (pc *ProbeCache) Verify(ctx context.Context, c *Client) error {
	key := probeKey(c.cfg.BaseURL, c.cfg.Model, c.cfg.APIKey, c.order)

	pc.mu.Lock()
	if e, ok := pc.entries[key]; ok && pc.now().Sub(e.at) < pc.ttl {
		pc.mu.Unlock()
		return e.err
	}
	pc.mu.Unlock()

	err := pc.probe(ctx, c)
	if ctx.Err() != nil {
		// Do not cache verdicts produced by the caller's own cancellation.
		return err
	}

	pc.mu.Lock()
	pc.entries[key] = probeEntry{err: err, at: pc.now()}
	pc.mu.Unlock()
	return err
}

// doProbe issues a minimal completion to exercise authentication and routing.
func doProbe(ctx context.Context, c Caller) error {
	_, err := c.Complete(ctx, Request{User: "ping"})
	return err
}

// probeKey derives the cache key for an endpoint configuration.
func probeKey(base, model, key string, order [2]Protocol) string {
	sum := sha1.Sum(fmt.Appendf(nil, "%s|%s|%s|%s,%s", base, model, key, order[0], order[1]))
	return hex.EncodeToString(sum[:])
}
