package broker

import (
	"fmt"
	"strings"
	"sync"
)

// Registry is the explicit (trade type × region) → proxy lookup, built once
// from configuration. Capability dispatch happens here and nowhere else.
type Registry struct {
	mu      sync.RWMutex
	proxies map[string]Proxy // broker name → proxy
	lookup  map[string]Proxy // tradeType/region → proxy
}

func NewRegistry() *Registry {
	return &Registry{
		proxies: make(map[string]Proxy),
		lookup:  make(map[string]Proxy),
	}
}

func capKey(tradeType, region string) string {
	return strings.ToLower(strings.TrimSpace(tradeType)) + "/" + strings.ToUpper(strings.TrimSpace(region))
}

// Register adds a proxy and indexes its capabilities. The first broker
// registered for a pair wins; a second registration for the same pair is
// rejected so capability routing stays unambiguous.
func (r *Registry) Register(p Proxy) error {
	if p == nil {
		return fmt.Errorf("broker registry: nil proxy")
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return fmt.Errorf("broker registry: proxy without a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.proxies[name]; dup {
		return fmt.Errorf("broker registry: duplicate broker %q", name)
	}
	for _, c := range p.Capabilities() {
		key := capKey(c.TradeType, c.Region)
		if _, dup := r.lookup[key]; dup {
			return fmt.Errorf("broker registry: capability %s already claimed", key)
		}
		r.lookup[key] = p
	}
	r.proxies[name] = p
	return nil
}

// ByName returns a registered proxy.
func (r *Registry) ByName(name string) (Proxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[strings.TrimSpace(name)]
	return p, ok
}

// Find resolves the broker serving one trade-type/region pair.
// ErrMismatch here is fatal configuration breakage, not a retry case.
func (r *Registry) Find(tradeType, region string) (Proxy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.lookup[capKey(tradeType, region)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrMismatch, tradeType, region)
}
