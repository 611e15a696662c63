package geo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctisec/misp-postgres-ingester/logging"
)

func testLogger() *logging.ComponentLogger {
	return logging.NewComponentLogger("test", "0")
}

func TestMemoResolverCachesPerRun(t *testing.T) {
	var calls atomic.Int32
	resolver := NewMemoResolver(func(ctx context.Context, host string) (string, error) {
		calls.Add(1)
		return "192.0.2.1", nil
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		addr, err := resolver.Resolve(ctx, "example.com")
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.1", addr)
	}

	assert.Equal(t, int32(1), calls.Load(), "repeated domains must resolve once per run")
	assert.Equal(t, 1, resolver.CacheSize())
}

func TestMemoResolverDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	resolver := NewMemoResolver(func(ctx context.Context, host string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("no such host")
		}
		return "192.0.2.2", nil
	})

	ctx := context.Background()
	_, err := resolver.Resolve(ctx, "flaky.example")
	require.Error(t, err)

	addr, err := resolver.Resolve(ctx, "flaky.example")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.2", addr)
}

func newTestEnricher(lookup LookupFunc, resolve ResolveFunc, workers int) *Enricher {
	return NewEnricher(nil, lookup, resolve, testLogger(), nil, workers, 1000)
}

func TestEnrichRowSkipsOnResolveFailure(t *testing.T) {
	e := newTestEnricher(
		func(addr string) (*Result, error) {
			t.Fatal("lookup must not run when resolution fails")
			return nil, nil
		},
		func(ctx context.Context, host string) (string, error) {
			return "", errors.New("no such host")
		},
		1,
	)

	_, ok := e.enrichRow(context.Background(), pendingRow{ID: 1, Value: "dead.example", Type: "domain"})
	assert.False(t, ok, "failed resolution is a per-row skip, geography stays unset")
}

func TestEnrichRowSkipsOnLookupMiss(t *testing.T) {
	e := newTestEnricher(
		func(addr string) (*Result, error) { return nil, errors.New("address not found") },
		nil,
		1,
	)

	_, ok := e.enrichRow(context.Background(), pendingRow{ID: 2, Value: "203.0.113.9", Type: "ip-dst"})
	assert.False(t, ok)
}

func TestEnrichRowCIDRUsesBaseAddress(t *testing.T) {
	var lookedUp string
	e := newTestEnricher(
		func(addr string) (*Result, error) {
			lookedUp = addr
			return &Result{CountryName: "Germany", CountryCode: "DE"}, nil
		},
		nil,
		1,
	)

	u, ok := e.enrichRow(context.Background(), pendingRow{ID: 3, Value: "198.51.100.0/24", Type: "cidr"})
	require.True(t, ok)
	assert.Equal(t, "198.51.100.0", lookedUp)
	require.NotNil(t, u.CountryName)
	assert.Equal(t, "Germany", *u.CountryName)
	assert.Nil(t, u.City, "missing fields map to NULL")
}

func TestEnrichRowDomainResolvesThenLooksUp(t *testing.T) {
	e := newTestEnricher(
		func(addr string) (*Result, error) {
			if addr != "192.0.2.10" {
				return nil, fmt.Errorf("unexpected lookup %s", addr)
			}
			return &Result{CountryName: "France", CountryCode: "FR", RegionName: "IDF", City: "Paris"}, nil
		},
		func(ctx context.Context, host string) (string, error) { return "192.0.2.10", nil },
		1,
	)

	u, ok := e.enrichRow(context.Background(), pendingRow{ID: 4, Value: "example.fr", Type: "domain"})
	require.True(t, ok)
	assert.Equal(t, int64(4), u.ID)
	assert.Equal(t, "Paris", *u.City)
}

func TestEnrichAllCollectsOutOfOrder(t *testing.T) {
	pending := make([]pendingRow, 0, 200)
	for i := 1; i <= 200; i++ {
		pending = append(pending, pendingRow{ID: int64(i), Value: fmt.Sprintf("192.0.2.%d", i%250), Type: "ip"})
	}

	e := newTestEnricher(
		func(addr string) (*Result, error) {
			return &Result{CountryName: "Testland", CountryCode: "TL"}, nil
		},
		nil,
		10,
	)

	updates := e.enrichAll(context.Background(), pending)
	require.Len(t, updates, 200)

	seen := make(map[int64]bool, len(updates))
	for _, u := range updates {
		seen[u.ID] = true
	}
	assert.Len(t, seen, 200, "every row enriched exactly once")
}

func TestChunkUpdates(t *testing.T) {
	updates := make([]Update, 2500)
	batches := chunkUpdates(updates, 1000)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 1000)
	assert.Len(t, batches[1], 1000)
	assert.Len(t, batches[2], 500)

	assert.Nil(t, chunkUpdates(nil, 1000))
}
