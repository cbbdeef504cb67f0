// Package fallback executes an ordered list of (provider, model) entries with
// per-entry retry, exponential backoff with jitter, and circuit-breaker
// fast-fail. Retries are scoped to one entry; each entry starts a fresh
// attempt counter.
package fallback

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/nimbushq/aigov/internal/breaker"
	"github.com/nimbushq/aigov/internal/providers"
)

// Entry names one step of the chain.
type Entry struct {
	Provider string
	Model    string
}

// Result is a successful chain outcome.
type Result struct {
	Response *providers.Response
	Entry    Entry
	Attempts int
}

// Options tune one Do call.
type Options struct {
	// Skip, if set, is consulted before each entry; true skips it without
	// recording an attempt (used for the per-call cost guard).
	Skip func(Entry) bool
	// OnFailure, if set, observes every failed attempt.
	OnFailure func(Entry, *providers.LLMError)
}

const (
	defaultMaxRetries = 2
	defaultBaseDelay  = 500 * time.Millisecond
	maxDelay          = 30 * time.Second
	maxJitter         = time.Second
)

// Chain routes calls through registered invokers.
type Chain struct {
	invokers   map[string]providers.Invoker
	breakers   *breaker.Registry
	maxRetries int
	baseDelay  time.Duration

	// sleep and jitter are seams for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// Option configures a Chain.
type Option func(*Chain)

// WithMaxRetries sets the retry count per entry (attempts = retries + 1).
func WithMaxRetries(n int) Option {
	return func(c *Chain) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseDelay sets the backoff base delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Chain) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithSleep replaces the backoff sleep. Used by tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Chain) { c.sleep = fn }
}

// New creates a Chain over the given invokers and breaker registry.
func New(invokers []providers.Invoker, breakers *breaker.Registry, opts ...Option) *Chain {
	m := make(map[string]providers.Invoker, len(invokers))
	for _, inv := range invokers {
		m[inv.Name()] = inv
	}
	c := &Chain{
		invokers:   m,
		breakers:   breakers,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		sleep:      sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxJitter)))
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Providers lists the registered provider names.
func (c *Chain) Providers() []string {
	out := make([]string, 0, len(c.invokers))
	for name := range c.invokers {
		out = append(out, name)
	}
	return out
}

// Do walks the entries in order. Per entry it performs up to maxRetries+1
// attempts, sleeping min(base·2^attempt + jitter, 30s) between them. It moves
// to the next entry when retries are exhausted or the error is non-retryable,
// and returns immediately on success. If every entry fails, the last seen
// error is returned.
func (c *Chain) Do(ctx context.Context, entries []Entry, req providers.Request, opts Options) (*Result, error) {
	var lastErr error

	for _, entry := range entries {
		if opts.Skip != nil && opts.Skip(entry) {
			continue
		}

		inv, ok := c.invokers[entry.Provider]
		if !ok {
			le := &providers.LLMError{
				Provider: entry.Provider, Model: entry.Model,
				Kind:    providers.KindModelUnavailable,
				Message: fmt.Sprintf("no adapter registered for provider %q", entry.Provider),
			}
			if opts.OnFailure != nil {
				opts.OnFailure(entry, le)
			}
			lastErr = le
			continue
		}

		br := c.breakers.Get(entry.Provider)
		if !br.Allow() {
			le := &providers.LLMError{
				Provider: entry.Provider, Model: entry.Model,
				Kind:    providers.KindCircuitOpen,
				Message: "circuit open",
			}
			if opts.OnFailure != nil {
				opts.OnFailure(entry, le)
			}
			lastErr = le
			continue
		}

		for attempt := 0; ; attempt++ {
			resp, err := inv.Invoke(ctx, entry.Model, req)
			if err == nil {
				br.RecordSuccess()
				return &Result{Response: resp, Entry: entry, Attempts: attempt + 1}, nil
			}

			le := asLLMError(entry, err)
			br.RecordFailure()
			if opts.OnFailure != nil {
				opts.OnFailure(entry, le)
			}
			lastErr = le

			if !le.Retryable || attempt >= c.maxRetries {
				break
			}
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, lastErr
			}
		}
	}

	if lastErr == nil {
		lastErr = &providers.LLMError{
			Kind:    providers.KindModelUnavailable,
			Message: "no routable entries",
		}
	}
	return nil, lastErr
}

func (c *Chain) backoff(attempt int) time.Duration {
	d := c.baseDelay * (1 << attempt)
	d += c.jitter()
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

func asLLMError(entry Entry, err error) *providers.LLMError {
	if le, ok := err.(*providers.LLMError); ok {
		return le
	}
	return &providers.LLMError{
		Provider: entry.Provider, Model: entry.Model,
		Kind: providers.KindAPIError, Retryable: true,
		Message: err.Error(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
