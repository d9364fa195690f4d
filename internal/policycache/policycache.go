// Package policycache wraps a Policy collaborator with a short TTL cache so
// a scheduler sweep touching many accounts in quick succession doesn't
// re-fetch the same allow/block/blocked-category snapshot from the policy
// service once per account (SPEC_FULL.md ambient stack: "Caching").
package policycache

import (
	"context"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/catemails/engine/internal/models"
)

const (
	allowKey   = "allowed"
	blockKey   = "blocked"
	actionsKey = "blocked_categories"
)

// Source is the narrow shape of pipeline.Policy; duck-typed here so this
// package doesn't need to import internal/pipeline.
type Source interface {
	Allowed(ctx context.Context) (map[string]bool, error)
	Blocked(ctx context.Context) (map[string]bool, error)
	BlockedCategories(ctx context.Context) (map[string]models.Action, error)
}

// Policy decorates a Source with a TTL cache, satisfying the same Source
// shape so it can be substituted anywhere a pipeline.Policy is expected.
type Policy struct {
	inner Source
	cache *cache.Cache
}

// New returns a Policy caching inner's snapshot for ttl.
func New(inner Source, ttl time.Duration) *Policy {
	return &Policy{inner: inner, cache: cache.New(ttl, ttl*2)}
}

// Allowed returns the cached allow-list, fetching and caching it on a miss.
func (p *Policy) Allowed(ctx context.Context) (map[string]bool, error) {
	if v, ok := p.cache.Get(allowKey); ok {
		return v.(map[string]bool), nil
	}
	m, err := p.inner.Allowed(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.SetDefault(allowKey, m)
	return m, nil
}

// Blocked returns the cached block-list, fetching and caching it on a miss.
func (p *Policy) Blocked(ctx context.Context) (map[string]bool, error) {
	if v, ok := p.cache.Get(blockKey); ok {
		return v.(map[string]bool), nil
	}
	m, err := p.inner.Blocked(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.SetDefault(blockKey, m)
	return m, nil
}

// BlockedCategories returns the cached category-action map, fetching and
// caching it on a miss.
func (p *Policy) BlockedCategories(ctx context.Context) (map[string]models.Action, error) {
	if v, ok := p.cache.Get(actionsKey); ok {
		return v.(map[string]models.Action), nil
	}
	m, err := p.inner.BlockedCategories(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.SetDefault(actionsKey, m)
	return m, nil
}

// Invalidate drops every cached entry, forcing the next call of each method
// to re-fetch from inner. Useful after an administrative policy change.
func (p *Policy) Invalidate() {
	p.cache.Flush()
}
