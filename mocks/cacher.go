// Package mocks holds hand-written testify mocks used by querycache tests.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/querycache/querycache/cache"
	"github.com/querycache/querycache/policy"
)

// Cacher is a mock implementation of cache.Cacher.
type Cacher struct {
	mock.Mock
}

// Get provides a mock function with given fields: ctx, key
func (m *Cacher) Get(ctx context.Context, key string) (*cache.Item, bool, error) {
	args := m.Called(ctx, key)

	var item *cache.Item
	if args.Get(0) != nil {
		item = args.Get(0).(*cache.Item)
	}

	return item, args.Bool(1), args.Error(2)
}

// Set provides a mock function with given fields: ctx, key, item, p
func (m *Cacher) Set(ctx context.Context, key string, item *cache.Item, p *policy.CachePolicy) error {
	args := m.Called(ctx, key, item, p)
	return args.Error(0)
}

// Invalidate provides a mock function with given fields: ctx, tags
func (m *Cacher) Invalidate(ctx context.Context, tags ...string) error {
	args := m.Called(ctx, tags)
	return args.Error(0)
}
