package server

import (
	"net/http"

	"github.com/rpcproxy/rpcproxy/upstream"
)

// BackendStatus is one backend's row in the /status payload.
type BackendStatus struct {
	Url           string  `json:"url"`
	Priority      int     `json:"priority"`
	State         string  `json:"state"`
	LatencyMs     float64 `json:"latency_ms"`
	LatestBlock   *int64  `json:"latest_block"`
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	UptimeSecs    int64   `json:"uptime_secs"`
}

type StatusView struct {
	HealthyBackends int             `json:"healthy_backends"`
	TotalBackends   int             `json:"total_backends"`
	CacheEntries    int             `json:"cache_entries"`
	Backends        []BackendStatus `json:"backends"`
}

type ReadinessView struct {
	Status          string `json:"status"`
	HealthyBackends int    `json:"healthy_backends"`
	TotalBackends   int    `json:"total_backends"`
}

// buildStatus snapshots the registry and cache into the status shape.
func (s *HttpServer) buildStatus() *StatusView {
	snaps := s.registry.SnapshotForSelection()
	view := &StatusView{
		TotalBackends: len(snaps),
		CacheEntries:  s.cache.Len(),
		Backends:      make([]BackendStatus, 0, len(snaps)),
	}
	for _, snap := range snaps {
		if snap.State == upstream.StateHealthy {
			view.HealthyBackends++
		}
		var latestBlock *int64
		if snap.LatestBlock != upstream.UnknownBlock {
			block := snap.LatestBlock
			latestBlock = &block
		}
		view.Backends = append(view.Backends, BackendStatus{
			Url:           snap.Url,
			Priority:      snap.Priority,
			State:         snap.State.String(),
			LatencyMs:     snap.LatencyMs,
			LatestBlock:   latestBlock,
			TotalRequests: snap.TotalRequests,
			TotalErrors:   snap.TotalErrors,
			UptimeSecs:    snap.UptimeSecs,
		})
	}
	return view
}

// isServable reports whether at least one backend has a known chain tip and
// is not Down.
func (s *HttpServer) isServable() bool {
	for _, snap := range s.registry.SnapshotForSelection() {
		if snap.State != upstream.StateDown && snap.LatestBlock != upstream.UnknownBlock {
			return true
		}
	}
	return false
}

func (s *HttpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.isServable() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("unavailable"))
}

func (s *HttpServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	view := s.buildStatus()
	ready := s.isServable()
	status := "ready"
	httpStatus := http.StatusOK
	if !ready {
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	}
	s.writeJson(w, httpStatus, &ReadinessView{
		Status:          status,
		HealthyBackends: view.HealthyBackends,
		TotalBackends:   view.TotalBackends,
	})
}

func (s *HttpServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, s.buildStatus())
}
