package upstream

import (
	"sync"
	"time"
)

// BackendState is the health classification driving selection order.
type BackendState int

const (
	StateHealthy BackendState = iota
	StateDegraded
	StateDown
)

func (s BackendState) String() string {
	switch s {
	case StateHealthy:
		return "Healthy"
	case StateDegraded:
		return "Degraded"
	case StateDown:
		return "Down"
	}
	return "Unknown"
}

const (
	// DownThreshold is how many consecutive errors move a backend to Down.
	DownThreshold = 3
	// DegradedBlockLag is how far behind the best backend a backend may
	// report before it is marked Degraded.
	DegradedBlockLag = 10
	// UnknownBlock marks a backend whose chain tip has not been observed.
	UnknownBlock = int64(-1)

	// Latency EWMA weights; the first sample is taken as-is.
	ewmaOld = 0.8
	ewmaNew = 0.2
)

// Backend is a single upstream endpoint: immutable identity plus mutable
// health state guarded by its own mutex. The mutex is only held for counter
// bumps and state derivation, never across I/O.
type Backend struct {
	Url      string
	Priority int

	mu                   sync.Mutex
	state                BackendState
	consecutiveErrors    int
	consecutiveSuccesses int
	latencyMs            float64
	latestBlock          int64
	totalRequests        int64
	totalErrors          int64
	createdAt            time.Time
	lastStateChange      time.Time
	lastErrorAt          time.Time
	lastSuccessAt        time.Time
}

func NewBackend(url string, priority int) *Backend {
	now := time.Now()
	return &Backend{
		Url:             url,
		Priority:        priority,
		state:           StateHealthy,
		latestBlock:     UnknownBlock,
		createdAt:       now,
		lastStateChange: now,
	}
}

// recordSuccess resets the error streak and folds the latency sample into
// the EWMA. It never lifts a Down backend; only the health checker does
// that, via restore.
func (b *Backend) recordSuccess(latencyMs float64, block int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.consecutiveErrors = 0
	b.consecutiveSuccesses++
	b.lastSuccessAt = time.Now()
	if b.latencyMs == 0 {
		b.latencyMs = latencyMs
	} else {
		b.latencyMs = b.latencyMs*ewmaOld + latencyMs*ewmaNew
	}
	if block > b.latestBlock {
		b.latestBlock = block
	}
}

// recordFailure bumps the error streak and reports whether this call moved
// the backend into Down, along with the state it left behind.
func (b *Backend) recordFailure() (prev BackendState, wentDown bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalErrors++
	b.consecutiveErrors++
	b.consecutiveSuccesses = 0
	b.lastErrorAt = time.Now()
	prev = b.state
	if b.consecutiveErrors >= DownThreshold && b.state != StateDown {
		b.setStateLocked(StateDown)
		return prev, true
	}
	return prev, false
}

// restore moves a Down backend back to Healthy after a successful probe.
func (b *Backend) restore() (restored bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateDown {
		return false
	}
	b.consecutiveErrors = 0
	b.setStateLocked(StateHealthy)
	return true
}

// reassess applies the chain-tip lag rule against the best observed block.
// Down backends are untouched; backends with an unknown block are not
// penalized.
func (b *Backend) reassess(bestBlock int64) (old, next BackendState, changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateDown {
		return b.state, b.state, false
	}
	old = b.state
	next = StateHealthy
	if b.latestBlock != UnknownBlock && bestBlock-b.latestBlock > DegradedBlockLag {
		next = StateDegraded
	}
	if next != old {
		b.setStateLocked(next)
		return old, next, true
	}
	return old, old, false
}

func (b *Backend) setStateLocked(next BackendState) {
	b.state = next
	b.lastStateChange = time.Now()
}

// BackendSnapshot is a consistent copy of one backend's state, cheap enough
// to take on every selection.
type BackendSnapshot struct {
	Index         int
	Url           string
	Priority      int
	State         BackendState
	LatencyMs     float64
	LatestBlock   int64
	TotalRequests int64
	TotalErrors   int64
	UptimeSecs    int64
}

func (b *Backend) snapshot(index int) BackendSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BackendSnapshot{
		Index:         index,
		Url:           b.Url,
		Priority:      b.Priority,
		State:         b.state,
		LatencyMs:     b.latencyMs,
		LatestBlock:   b.latestBlock,
		TotalRequests: b.totalRequests,
		TotalErrors:   b.totalErrors,
		UptimeSecs:    int64(time.Since(b.createdAt).Seconds()),
	}
}

func (b *Backend) State() BackendState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Backend) LatestBlock() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestBlock
}
