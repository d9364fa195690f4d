package tokencache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catemails/engine/internal/models"
)

func TestCache_RefreshesOnceThenReuses(t *testing.T) {
	c := New(time.Minute)
	var calls int32

	refresh := func(ctx context.Context) (*models.CachedToken, error) {
		atomic.AddInt32(&calls, 1)
		return &models.CachedToken{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)}, nil
	}

	tok, err := c.GetOrRefresh(context.Background(), "acct-1", time.Minute, refresh)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)

	tok2, err := c.GetOrRefresh(context.Background(), "acct-1", time.Minute, refresh)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok2.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_ConcurrentCallsSingleFlight(t *testing.T) {
	c := New(time.Minute)
	var calls int32

	refresh := func(ctx context.Context) (*models.CachedToken, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return &models.CachedToken{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrRefresh(context.Background(), "acct-shared", time.Minute, refresh)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_IndependentAccountsDontBlockEachOther(t *testing.T) {
	c := New(time.Minute)
	var calls int32
	refresh := func(ctx context.Context) (*models.CachedToken, error) {
		atomic.AddInt32(&calls, 1)
		return &models.CachedToken{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}, nil
	}

	_, err1 := c.GetOrRefresh(context.Background(), "a", time.Minute, refresh)
	_, err2 := c.GetOrRefresh(context.Background(), "b", time.Minute, refresh)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCache_ExpiredEntryRefetches(t *testing.T) {
	c := New(time.Minute)
	var calls int32
	refresh := func(ctx context.Context) (*models.CachedToken, error) {
		n := atomic.AddInt32(&calls, 1)
		expiry := time.Now().Add(time.Hour)
		if n == 1 {
			expiry = time.Now().Add(-time.Minute) // already expired
		}
		return &models.CachedToken{AccessToken: "tok", Expiry: expiry}, nil
	}

	_, err := c.GetOrRefresh(context.Background(), "acct", time.Minute, refresh)
	require.NoError(t, err)
	_, err = c.GetOrRefresh(context.Background(), "acct", time.Minute, refresh)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
