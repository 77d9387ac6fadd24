package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rpcproxy/rpcproxy/common"
	"github.com/rpcproxy/rpcproxy/data"
	"github.com/rpcproxy/rpcproxy/upstream"
	"github.com/rpcproxy/rpcproxy/util"
)

var probeRequest = &common.JsonRpcRequest{
	JSONRPC: "2.0",
	Method:  "eth_blockNumber",
}

// Checker probes every backend on a fixed interval and on demand when the
// forwarder observes a backend going Down. Probe outcomes feed the same
// per-backend error streak as live traffic; a successful probe is the only
// path that lifts a backend out of Down.
type Checker struct {
	logger   zerolog.Logger
	registry *upstream.Registry
	cache    *data.RpcCache
	clients  []*upstream.HttpJsonRpcClient
	interval time.Duration
	timeout  time.Duration
	ready    chan struct{}
}

func NewChecker(logger *zerolog.Logger, registry *upstream.Registry, cache *data.RpcCache, interval, timeout time.Duration) *Checker {
	httpClient := upstream.NewHttpClient()
	snaps := registry.SnapshotForSelection()
	clients := make([]*upstream.HttpJsonRpcClient, 0, len(snaps))
	for _, s := range snaps {
		clients = append(clients, upstream.NewHttpJsonRpcClient(logger, s.Url, httpClient))
	}
	return &Checker{
		logger:   logger.With().Str("component", "healthChecker").Logger(),
		registry: registry,
		cache:    cache,
		clients:  clients,
		interval: interval,
		timeout:  timeout,
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the first probe cycle has completed; serving starts
// behind it so initial state reflects real liveness rather than defaults.
func (c *Checker) Ready() <-chan struct{} {
	return c.ready
}

// Run executes probe cycles until ctx is cancelled. The first cycle runs
// immediately and closes Ready when it finishes. A wake arriving mid-cycle
// is held in the one-slot channel and triggers exactly one extra cycle
// afterwards.
func (c *Checker) Run(ctx context.Context) {
	c.RunCycle(ctx)
	close(c.ready)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("health checker stopped")
			return
		case <-ticker.C:
			c.RunCycle(ctx)
		case <-c.registry.WakeChan():
			c.logger.Debug().Msg("health cycle triggered by wake signal")
			MetricHealthWakesTotal.Inc()
			c.RunCycle(ctx)
		}
	}
}

// RunCycle probes all backends in parallel, recomputes the best block over
// non-Down backends and reassesses degradation against it.
func (c *Checker) RunCycle(ctx context.Context) {
	MetricHealthCyclesTotal.Inc()

	grp, grpCtx := errgroup.WithContext(ctx)
	for i := range c.clients {
		grp.Go(func() error {
			c.probe(grpCtx, i)
			return nil
		})
	}
	_ = grp.Wait()

	c.registry.ReassessDegradation(c.registry.BestBlock())
	c.publishMetrics()
}

func (c *Checker) probe(ctx context.Context, index int) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.clients[index].SendRequest(probeCtx, probeRequest)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	if err == nil && resp.Error == nil {
		var hex string
		if uerr := common.SonicCfg.Unmarshal(resp.Result, &hex); uerr == nil {
			if block, perr := util.HexToInt64(hex); perr == nil {
				c.registry.RecordSuccess(index, latencyMs, block)
				c.registry.Restore(index)
				return
			}
		}
	}

	c.logger.Debug().Err(err).Int("backend", index).Msg("health probe failed")
	c.registry.RecordFailure(index)
}

func (c *Checker) publishMetrics() {
	for _, s := range c.registry.SnapshotForSelection() {
		up := 0.0
		switch s.State {
		case upstream.StateHealthy:
			up = 1.0
		case upstream.StateDegraded:
			up = 0.5
		}
		MetricBackendUp.WithLabelValues(s.Url).Set(up)
		MetricBackendLatencyMs.WithLabelValues(s.Url).Set(s.LatencyMs)
		MetricBackendErrorsTotal.WithLabelValues(s.Url).Set(float64(s.TotalErrors))
		if s.LatestBlock != upstream.UnknownBlock {
			MetricBackendLatestBlock.WithLabelValues(s.Url).Set(float64(s.LatestBlock))
		}
	}
	MetricCacheEntries.Set(float64(c.cache.Len()))
}
