// Package hook runs registered claim enrichers just before a token is
// signed. A hook that errors or overruns its deadline fails the exchange:
// issuing a token with half-applied custom claims is worse than issuing none.
package hook

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrHookFailed wraps any enricher failure, including timeouts.
var ErrHookFailed = errors.New("hook: pre-issuance hook failed")

const defaultTimeout = 2 * time.Second

// Request describes the exchange about to be finalized.
type Request struct {
	UserID      string
	Email       string
	TenantID    string
	ServiceID   string
	Roles       []string
	Permissions []string
}

// Enricher contributes custom claims to a token about to be issued.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, req Request) (map[string]any, error)
}

// EnricherFunc adapts a function to the Enricher interface.
type EnricherFunc struct {
	HookName string
	Fn       func(ctx context.Context, req Request) (map[string]any, error)
}

func (e EnricherFunc) Name() string { return e.HookName }

func (e EnricherFunc) Enrich(ctx context.Context, req Request) (map[string]any, error) {
	return e.Fn(ctx, req)
}

// Runner executes enrichers in registration order under a shared timeout.
type Runner struct {
	enrichers []Enricher
	timeout   time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds the combined run of all enrichers.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRunner(enrichers []Enricher, opts ...Option) *Runner {
	r := &Runner{enrichers: enrichers, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run collects custom claims from every enricher. Later enrichers may
// overwrite earlier keys. A nil result means no enricher contributed.
func (r *Runner) Run(ctx context.Context, req Request) (map[string]any, error) {
	if len(r.enrichers) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var merged map[string]any
	for _, e := range r.enrichers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrHookFailed, e.Name(), err)
		}
		claims, err := runOne(ctx, e, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrHookFailed, e.Name(), err)
		}
		if len(claims) == 0 {
			continue
		}
		if merged == nil {
			merged = make(map[string]any, len(claims))
		}
		for k, v := range claims {
			merged[k] = v
		}
	}
	return merged, nil
}

// runOne isolates one enricher so a slow hook observes the deadline even if
// it ignores its context.
func runOne(ctx context.Context, e Enricher, req Request) (map[string]any, error) {
	type result struct {
		claims map[string]any
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		claims, err := e.Enrich(ctx, req)
		ch <- result{claims, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.claims, res.err
	}
}
