package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry is the process-scoped set of breakers keyed by service name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	configs  map[string]Config
	defaults Config
	now      func() time.Time
	onChange func(name string, from, to State)
}

// NewRegistry creates a registry that builds missing breakers from defaults.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]Config),
		defaults: defaults,
		now:      time.Now,
	}
}

// SetClock replaces the time source for breakers created afterwards.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	for _, b := range r.breakers {
		b.mu.Lock()
		b.now = now
		b.mu.Unlock()
	}
}

// OnStateChange registers a hook invoked asynchronously on every transition.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for _, b := range r.breakers {
		b.mu.Lock()
		b.onChange = fn
		b.mu.Unlock()
	}
}

// Configure sets the config used when the named breaker is first created.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.configs[name]
	if !ok {
		cfg = r.defaults
	}
	b = New(name, cfg)
	b.now = r.now
	b.onChange = r.onChange
	r.breakers[name] = b
	return b
}

// Stats returns a snapshot of every breaker sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes every breaker.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
