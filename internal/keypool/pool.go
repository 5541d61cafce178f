// Package keypool manages the shared pool of upstream provider API keys.
package keypool

import (
	"fmt"
	"strings"
	"sync"
)

type key struct {
	value    string
	disabled bool
	uses     int
}

// Pool hands out provider keys round-robin, skipping keys that have been
// disabled after upstream rejection.
type Pool struct {
	mu   sync.Mutex
	keys map[string][]*key
	next map[string]int
}

// Stats describes one provider's slice of the pool.
type Stats struct {
	Total    int `json:"total"`
	Disabled int `json:"disabled"`
	Uses     int `json:"uses"`
}

func New() *Pool {
	return &Pool{
		keys: make(map[string][]*key),
		next: make(map[string]int),
	}
}

// Add registers keys for a provider. Keys is a comma-separated list;
// whitespace and empty entries are dropped.
func (p *Pool) Add(provider, keys string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, k := range strings.Split(keys, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		p.keys[provider] = append(p.keys[provider], &key{value: k})
		added++
	}
	return added
}

// Checkout returns the next usable key for the provider. It returns an error
// when the provider is unknown or every key has been disabled.
func (p *Pool) Checkout(provider string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := p.keys[provider]
	if len(keys) == 0 {
		return "", fmt.Errorf("no keys configured for provider %q", provider)
	}

	start := p.next[provider]
	for i := 0; i < len(keys); i++ {
		k := keys[(start+i)%len(keys)]
		if k.disabled {
			continue
		}
		p.next[provider] = (start + i + 1) % len(keys)
		k.uses++
		return k.value, nil
	}
	return "", fmt.Errorf("all keys for provider %q are disabled", provider)
}

// Disable marks a key unusable, typically after the upstream rejected it.
func (p *Pool) Disable(provider, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range p.keys[provider] {
		if k.value == value {
			k.disabled = true
		}
	}
}

// Snapshot returns per-provider pool statistics. Key values are never
// included.
func (p *Pool) Snapshot() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Stats, len(p.keys))
	for provider, keys := range p.keys {
		s := Stats{Total: len(keys)}
		for _, k := range keys {
			if k.disabled {
				s.Disabled++
			}
			s.Uses += k.uses
		}
		out[provider] = s
	}
	return out
}

// Providers returns the providers with at least one configured key.
func (p *Pool) Providers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.keys))
	for provider := range p.keys {
		out = append(out, provider)
	}
	return out
}
