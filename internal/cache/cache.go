// Package cache keeps prepared handler contexts alive between invocations
// so a handler's top-level script runs once per worker, not once per event.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pardalotus/metabeak/internal/sandbox"
)

// ContextCache maps handler IDs to prepared sandbox contexts. Evicted
// contexts are closed so their V8 resources are released promptly. One
// cache per worker; not safe for concurrent use, matching the isolate it
// fronts.
type ContextCache struct {
	lru *lru.Cache[int64, *sandbox.Context]
}

func New(size int) (*ContextCache, error) {
	l, err := lru.NewWithEvict(size, func(_ int64, c *sandbox.Context) {
		c.Close()
	})
	if err != nil {
		return nil, err
	}
	return &ContextCache{lru: l}, nil
}

func (cc *ContextCache) Get(handlerID int64) (*sandbox.Context, bool) {
	return cc.lru.Get(handlerID)
}

// Add stores a prepared context, possibly evicting (and closing) the least
// recently used one.
func (cc *ContextCache) Add(handlerID int64, c *sandbox.Context) {
	cc.lru.Add(handlerID, c)
}

// Remove drops and closes the context for a handler, if cached. Used when a
// handler is disabled, marked broken, re-uploaded or corrupted by an
// aborted invocation.
func (cc *ContextCache) Remove(handlerID int64) {
	cc.lru.Remove(handlerID)
}

// Purge closes every cached context. Called on worker shutdown.
func (cc *ContextCache) Purge() {
	cc.lru.Purge()
}

// Keys lists the cached handler ids, least recently used first.
func (cc *ContextCache) Keys() []int64 {
	return cc.lru.Keys()
}

func (cc *ContextCache) Len() int {
	return cc.lru.Len()
}
