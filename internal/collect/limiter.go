package collect

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DomainLimiter enforces per-domain politeness: a requests-per-minute
// budget, a minimum delay between requests, and at most one in-flight
// request per domain. It is injected into the collector rather than
// living as package state, so its internals stay testable.
type DomainLimiter struct {
	mu          sync.Mutex
	domains     map[string]*domainState
	perMinute   float64
	minDelay    time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

type domainState struct {
	inflight sync.Mutex
	limiter  *rate.Limiter
	lastReq  time.Time
}

// NewDomainLimiter creates a limiter with the given per-domain budget
func NewDomainLimiter(requestsPerMinute float64, minDelay time.Duration) *DomainLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 10
	}
	return &DomainLimiter{
		domains:   make(map[string]*domainState),
		perMinute: requestsPerMinute,
		minDelay:  minDelay,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (l *DomainLimiter) state(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.domains[domain]
	if !ok {
		st = &domainState{
			limiter: rate.NewLimiter(rate.Limit(l.perMinute/60.0), 1),
		}
		l.domains[domain] = st
	}
	return st
}

// Acquire blocks until the domain's budget allows a request, then
// holds the single-flight slot. The returned release function must be
// called when the request completes.
func (l *DomainLimiter) Acquire(ctx context.Context, rawURL string) (func(), error) {
	domain, err := extractDomain(rawURL)
	if err != nil {
		return nil, err
	}
	st := l.state(domain)

	// Max one in-flight request per domain
	st.inflight.Lock()

	if err := st.limiter.Wait(ctx); err != nil {
		st.inflight.Unlock()
		return nil, err
	}

	// Fixed delay between consecutive requests to the same domain
	if !st.lastReq.IsZero() {
		if wait := l.minDelay - l.now().Sub(st.lastReq); wait > 0 {
			if err := l.sleep(ctx, wait); err != nil {
				st.inflight.Unlock()
				return nil, err
			}
		}
	}
	st.lastReq = l.now()

	return st.inflight.Unlock, nil
}

// extractDomain extracts the host from a URL
func extractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return parsed.Host, nil
}
