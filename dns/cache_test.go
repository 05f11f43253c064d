package dns

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveLookup(t Type, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, t.String()+" "+outcome)
}

func TestCache(t *testing.T) {
	mock := &MockResolver{
		TXT:  map[string][]string{"example.com": {"v=spf1 -all"}},
		Fail: []string{"txt broken.example.com"},
	}
	c := NewCache(mock, 16, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := c.Lookup(ctx, TypeTXT, "Example.com.")
		require.NoError(t, err)
		assert.Equal(t, []string{"v=spf1 -all"}, got)
	}

	for i := 0; i < 2; i++ {
		_, err := c.Lookup(ctx, TypeTXT, "nope.example.com")
		require.ErrorIs(t, err, ErrNoDNSrecord)
	}

	for i := 0; i < 2; i++ {
		_, err := c.Lookup(ctx, TypeTXT, "broken.example.com")
		require.ErrorIs(t, err, ErrTempfail)
	}

	// answers and NXDOMAIN are served from the cache, failures are retried
	assert.Equal(t, []string{
		"txt example.com",
		"txt nope.example.com",
		"txt broken.example.com",
		"txt broken.example.com",
	}, mock.Queries())
	assert.Equal(t, 2, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCacheReturnsCopies(t *testing.T) {
	mock := &MockResolver{A: map[string][]string{"a.example.com": {"192.0.2.1"}}}
	c := NewCache(mock, 0, 0)

	got, err := c.Lookup(context.Background(), TypeA, "a.example.com")
	require.NoError(t, err)
	got[0] = "changed"

	again, err := c.Lookup(context.Background(), TypeA, "a.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1"}, again)
}

func TestCacheExpiry(t *testing.T) {
	mock := &MockResolver{A: map[string][]string{"a.example.com": {"192.0.2.1"}}}
	c := NewCache(mock, 16, 20*time.Millisecond)

	_, err := c.Lookup(context.Background(), TypeA, "a.example.com")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = c.Lookup(context.Background(), TypeA, "a.example.com")
	require.NoError(t, err)

	assert.Len(t, mock.Queries(), 2)
}

func TestInstrumented(t *testing.T) {
	mock := &MockResolver{
		TXT:     map[string][]string{"example.com": {"v=spf1 -all"}},
		Timeout: []string{"a slow.example.com"},
	}
	obs := &recordingObserver{}
	r := NewInstrumented(mock, obs)
	ctx := context.Background()

	_, _ = r.Lookup(ctx, TypeTXT, "example.com")
	_, _ = r.Lookup(ctx, TypeMX, "nope.example.com")
	_, _ = r.Lookup(ctx, TypeA, "slow.example.com")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, _ = r.Lookup(canceled, TypeAAAA, "example.com")

	assert.Equal(t, []string{"TXT ok", "MX nxdomain", "A timeout", "AAAA canceled"}, obs.outcomes)

	// a nil observer is allowed
	_, err := NewInstrumented(mock, nil).Lookup(ctx, TypeTXT, "example.com")
	require.NoError(t, err)
}
