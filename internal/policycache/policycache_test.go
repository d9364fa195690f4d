package policycache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catemails/engine/internal/models"
)

type countingSource struct {
	allowedCalls, blockedCalls, categoryCalls int
}

func (s *countingSource) Allowed(ctx context.Context) (map[string]bool, error) {
	s.allowedCalls++
	return map[string]bool{"trusted.example.com": true}, nil
}

func (s *countingSource) Blocked(ctx context.Context) (map[string]bool, error) {
	s.blockedCalls++
	return map[string]bool{"spam.example.com": true}, nil
}

func (s *countingSource) BlockedCategories(ctx context.Context) (map[string]models.Action, error) {
	s.categoryCalls++
	return map[string]models.Action{"Marketing": models.ActionArchive}, nil
}

func TestPolicy_CachesEachMethodIndependently(t *testing.T) {
	src := &countingSource{}
	p := New(src, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := p.Allowed(context.Background())
		require.NoError(t, err)
		_, err = p.Blocked(context.Background())
		require.NoError(t, err)
		_, err = p.BlockedCategories(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, src.allowedCalls)
	assert.Equal(t, 1, src.blockedCalls)
	assert.Equal(t, 1, src.categoryCalls)
}

func TestPolicy_InvalidateForcesRefetch(t *testing.T) {
	src := &countingSource{}
	p := New(src, time.Minute)

	_, err := p.Allowed(context.Background())
	require.NoError(t, err)
	p.Invalidate()
	_, err = p.Allowed(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, src.allowedCalls)
}

func TestPolicy_ExpiresAfterTTL(t *testing.T) {
	src := &countingSource{}
	p := New(src, 20*time.Millisecond)

	_, err := p.Blocked(context.Background())
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = p.Blocked(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, src.blockedCalls)
}
