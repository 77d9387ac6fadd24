package upstream

import (
	"github.com/rs/zerolog"
)

// Registry holds the priority-ordered backend list. The order is fixed for
// the process lifetime; only per-backend mutable state changes. Reads from
// the forwarder and writes from the forwarder outcome path and the health
// checker run concurrently.
type Registry struct {
	logger   zerolog.Logger
	backends []*Backend

	// wake is a one-slot coalescing signal towards the health checker:
	// non-blocking send, multiple wakes within one probe cycle fold into one.
	wake chan struct{}
}

func NewRegistry(logger *zerolog.Logger, urls []string) *Registry {
	backends := make([]*Backend, 0, len(urls))
	for i, url := range urls {
		backends = append(backends, NewBackend(url, i))
	}
	return &Registry{
		logger:   logger.With().Str("component", "registry").Logger(),
		backends: backends,
		wake:     make(chan struct{}, 1),
	}
}

func (r *Registry) Len() int {
	return len(r.backends)
}

// SnapshotForSelection returns per-backend snapshots in priority order.
func (r *Registry) SnapshotForSelection() []BackendSnapshot {
	snaps := make([]BackendSnapshot, 0, len(r.backends))
	for i, b := range r.backends {
		snaps = append(snaps, b.snapshot(i))
	}
	return snaps
}

// RecordSuccess feeds a successful request outcome into the backend's state.
// A Down backend stays Down until the health checker restores it.
func (r *Registry) RecordSuccess(index int, latencyMs float64, block int64) {
	if index < 0 || index >= len(r.backends) {
		return
	}
	r.backends[index].recordSuccess(latencyMs, block)
}

// RecordFailure feeds a failed request outcome into the backend's state and
// reports whether the backend just went Down. The caller must Wake the
// health checker when it did.
func (r *Registry) RecordFailure(index int) (wentDown bool) {
	if index < 0 || index >= len(r.backends) {
		return false
	}
	b := r.backends[index]
	prev, wentDown := b.recordFailure()
	if wentDown {
		r.logger.Info().
			Str("backend", b.Url).
			Str("oldState", prev.String()).
			Str("newState", StateDown.String()).
			Str("reason", "consecutive errors reached threshold").
			Msg("backend state changed")
	}
	return wentDown
}

// Restore lifts a Down backend back to Healthy after a successful health
// probe. Only the health checker calls this.
func (r *Registry) Restore(index int) {
	if index < 0 || index >= len(r.backends) {
		return
	}
	b := r.backends[index]
	if b.restore() {
		r.logger.Info().
			Str("backend", b.Url).
			Str("oldState", StateDown.String()).
			Str("newState", StateHealthy.String()).
			Str("reason", "health probe succeeded").
			Msg("backend state changed")
	}
}

// BestBlock is the max chain tip over all non-Down backends, or UnknownBlock
// when none has reported one.
func (r *Registry) BestBlock() int64 {
	best := UnknownBlock
	for _, b := range r.backends {
		if b.State() == StateDown {
			continue
		}
		if block := b.LatestBlock(); block > best {
			best = block
		}
	}
	return best
}

// ReassessDegradation marks every non-Down backend Degraded when it lags the
// best block by more than DegradedBlockLag, Healthy otherwise.
func (r *Registry) ReassessDegradation(bestBlock int64) {
	if bestBlock == UnknownBlock {
		return
	}
	for _, b := range r.backends {
		old, next, changed := b.reassess(bestBlock)
		if changed {
			r.logger.Info().
				Str("backend", b.Url).
				Str("oldState", old.String()).
				Str("newState", next.String()).
				Int64("bestBlock", bestBlock).
				Int64("latestBlock", b.LatestBlock()).
				Str("reason", "chain tip lag reassessed").
				Msg("backend state changed")
		}
	}
}

// Wake nudges the health checker. Dropping the signal when one is already
// queued is the point: wakes coalesce.
func (r *Registry) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// WakeChan is consumed by the health checker's loop.
func (r *Registry) WakeChan() <-chan struct{} {
	return r.wake
}
