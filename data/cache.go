package data

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpcproxy/rpcproxy/common"
)

// RpcCache is a bounded TTL store for JSON-RPC responses with single-flight
// production: concurrent lookups for the same key collapse onto one
// producer, all others wait for its outcome.
type RpcCache struct {
	logger      zerolog.Logger
	chainTipTTL time.Duration
	maxSize     int

	mu      sync.Mutex
	entries map[uint64]*cacheEntry
	// Ready-entry keys in completion order, oldest first. May contain keys
	// whose entry has since been replaced; eviction skips those.
	order []orderMark
	seq   uint64

	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
	evicted   atomic.Int64
}

type orderMark struct {
	key uint64
	seq uint64
}

// cacheEntry is either Pending (done not yet closed, one producer
// outstanding) or Ready (value or nothing, done closed).
type cacheEntry struct {
	key       uint64
	ready     bool
	value     *common.JsonRpcResponse
	err       error
	expiresAt time.Time
	seq       uint64
	done      chan struct{}
}

func NewRpcCache(logger *zerolog.Logger, chainTipTTL time.Duration, maxSize int) *RpcCache {
	return &RpcCache{
		logger:      logger.With().Str("component", "cache").Logger(),
		chainTipTTL: chainTipTTL,
		maxSize:     maxSize,
		entries:     make(map[uint64]*cacheEntry),
	}
}

type LookupState int

const (
	// LookupHit means Value holds a fresh cached response.
	LookupHit LookupState = iota
	// LookupWait means another caller is producing; Await blocks for it.
	LookupWait
	// LookupProduce means this caller must perform the upstream call and
	// report back through Complete.
	LookupProduce
)

// Lookup is the outcome of GetOrStart.
type Lookup struct {
	State LookupState
	Value *common.JsonRpcResponse
	Token *ProduceToken
	entry *cacheEntry
}

// ProduceToken identifies the Pending entry its holder is responsible for.
// Exactly one caller receives a token per pending cycle.
type ProduceToken struct {
	policy CachePolicy
	entry  *cacheEntry
}

// GetOrStart atomically resolves a key to a hit, a wait on an in-flight
// production, or a grant to produce. Cached responses are shared across
// callers and must be treated as read-only; restamp ids with WithID.
func (c *RpcCache) GetOrStart(key uint64, policy CachePolicy) *Lookup {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[key]; ok {
		if e.ready {
			if now.Before(e.expiresAt) {
				c.hits.Add(1)
				return &Lookup{State: LookupHit, Value: e.value}
			}
			// Expired in place; fall through to a fresh pending cycle.
			delete(c.entries, key)
		} else {
			c.coalesced.Add(1)
			return &Lookup{State: LookupWait, entry: e}
		}
	}

	c.misses.Add(1)
	e := &cacheEntry{key: key, done: make(chan struct{})}
	c.entries[key] = e
	return &Lookup{State: LookupProduce, Token: &ProduceToken{policy: policy, entry: e}}
}

// Await blocks until the in-flight producer for this entry completes and
// returns its outcome, or until ctx is done. The production itself is not
// cancelled by a waiter leaving.
func (l *Lookup) Await(ctx context.Context) (*common.JsonRpcResponse, error) {
	select {
	case <-l.entry.done:
		return l.entry.value, l.entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete finishes a pending cycle. On success the entry becomes Ready with
// a TTL measured from now; on failure the entry is removed so the next
// request starts a fresh cycle. Waiters observe the same outcome either way.
func (c *RpcCache) Complete(token *ProduceToken, resp *common.JsonRpcResponse, err error) {
	e := token.entry

	c.mu.Lock()
	if err != nil {
		e.err = err
		if c.entries[e.key] == e {
			delete(c.entries, e.key)
		}
	} else {
		e.value = resp
		e.ready = true
		e.expiresAt = time.Now().Add(token.policy.TTL(c.chainTipTTL))
		c.seq++
		e.seq = c.seq
		c.order = append(c.order, orderMark{key: e.key, seq: e.seq})
		c.evictLocked()
	}
	c.mu.Unlock()

	close(e.done)
}

// orderSlack bounds how many stale marks the completion-order list may
// carry before it is compacted.
const orderSlack = 16

// evictLocked drops expired Ready entries first, then the
// least-recently-completed Ready entries, until the count fits. Pending
// entries are never evicted.
func (c *RpcCache) evictLocked() {
	// Entries removed on expiry leave their mark behind; without this the
	// order list grows without bound while the entry count stays small.
	if len(c.order) > 2*len(c.entries)+orderSlack {
		c.compactOrderLocked()
	}

	if len(c.entries) <= c.maxSize {
		return
	}

	now := time.Now()
	for key, e := range c.entries {
		if e.ready && !now.Before(e.expiresAt) {
			delete(c.entries, key)
			c.evicted.Add(1)
		}
	}

	for len(c.entries) > c.maxSize && len(c.order) > 0 {
		mark := c.order[0]
		c.order = c.order[1:]
		e, ok := c.entries[mark.key]
		if !ok || !e.ready || e.seq != mark.seq {
			continue
		}
		delete(c.entries, mark.key)
		c.evicted.Add(1)
		c.logger.Debug().Str("key", FormatKey(mark.key)).Msg("evicted cache entry under size pressure")
	}
}

// compactOrderLocked drops marks whose entry is gone or has since been
// replaced, preserving completion order for the survivors.
func (c *RpcCache) compactOrderLocked() {
	live := c.order[:0]
	for _, mark := range c.order {
		if e, ok := c.entries[mark.key]; ok && e.ready && e.seq == mark.seq {
			live = append(live, mark)
		}
	}
	c.order = live
}

// Len reports the current entry count, pending included.
func (c *RpcCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats is a point-in-time view of cache counters for the status view and
// metrics.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Coalesced int64 `json:"coalesced"`
	Evicted   int64 `json:"evicted"`
}

func (c *RpcCache) Snapshot() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Evicted:   c.evicted.Load(),
	}
}
