package breaker

import "sync"

// Registry holds one Breaker per provider, created lazily with shared options.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     func(provider string) []Option
}

// NewRegistry creates a registry. optsFor, if non-nil, supplies the options
// for each provider's breaker on first use.
func NewRegistry(optsFor func(provider string) []Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     optsFor,
	}
}

// Get returns the breaker for provider, creating it on first use.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		var opts []Option
		if r.opts != nil {
			opts = r.opts(provider)
		}
		b = New(opts...)
		r.breakers[provider] = b
	}
	return b
}

// States returns a snapshot of every known provider's breaker state.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for p, b := range r.breakers {
		out[p] = b.CurrentState()
	}
	return out
}
