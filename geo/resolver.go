package geo

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// ResolveFunc resolves a hostname to a single address.
type ResolveFunc func(ctx context.Context, host string) (string, error)

// DefaultResolveFunc resolves via the system resolver, returning the first
// address. The per-request socket timeout is the only cancellation layer.
func DefaultResolveFunc() ResolveFunc {
	return func(ctx context.Context, host string) (string, error) {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return "", err
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("no addresses for %s", host)
		}
		return addrs[0], nil
	}
}

// MemoResolver memoizes resolutions for the lifetime of one enrichment run.
// The cache is unbounded and has no eviction; it is run-scoped, not
// persistent. Racing workers may resolve the same domain twice, which is
// wasteful but safe: each write stores the same key.
type MemoResolver struct {
	mu      sync.Mutex
	cache   map[string]string
	resolve ResolveFunc
}

// NewMemoResolver wraps resolve with a run-scoped cache.
func NewMemoResolver(resolve ResolveFunc) *MemoResolver {
	return &MemoResolver{
		cache:   make(map[string]string),
		resolve: resolve,
	}
}

// Resolve returns the cached address for host or resolves and caches it. The
// lock is not held across the blocking resolution.
func (m *MemoResolver) Resolve(ctx context.Context, host string) (string, error) {
	m.mu.Lock()
	if addr, ok := m.cache[host]; ok {
		m.mu.Unlock()
		return addr, nil
	}
	m.mu.Unlock()

	addr, err := m.resolve(ctx, host)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[host] = addr
	m.mu.Unlock()
	return addr, nil
}

// CacheSize reports the number of memoized domains.
func (m *MemoResolver) CacheSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}
