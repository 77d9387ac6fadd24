package upstream

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpcproxy/rpcproxy/common"
	"github.com/rpcproxy/rpcproxy/data"
	"github.com/rpcproxy/rpcproxy/util"
)

// Forwarder executes one JSON-RPC call against the backend fleet: cache
// first, then priority-ordered failover across live backends, then one
// last-resort retry on the primary.
type Forwarder struct {
	logger         zerolog.Logger
	registry       *Registry
	cache          *data.RpcCache
	clients        []*HttpJsonRpcClient
	requestTimeout time.Duration
}

func NewForwarder(logger *zerolog.Logger, registry *Registry, cache *data.RpcCache, requestTimeout time.Duration) *Forwarder {
	httpClient := NewHttpClient()
	snaps := registry.SnapshotForSelection()
	clients := make([]*HttpJsonRpcClient, 0, len(snaps))
	for _, s := range snaps {
		clients = append(clients, NewHttpJsonRpcClient(logger, s.Url, httpClient))
	}
	return &Forwarder{
		logger:         logger.With().Str("component", "forwarder").Logger(),
		registry:       registry,
		cache:          cache,
		clients:        clients,
		requestTimeout: requestTimeout,
	}
}

// Forward resolves one call to a JSON-RPC response stamped with the client's
// id. JSON-RPC error replies from upstreams that indicate a client mistake
// (bad params, reverted execution) are successful forwards and are returned
// verbatim; only upstream malfunction feeds the failover loop.
func (f *Forwarder) Forward(ctx context.Context, req *common.JsonRpcRequest) (*common.JsonRpcResponse, error) {
	policy := data.ClassifyPolicy(req.Method, req.Params)
	if policy == data.PolicyNever {
		resp, err := f.forwardLive(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp.WithID(req.ID), nil
	}

	key := data.CacheKey(req.Method, req.Params)
	lookup := f.cache.GetOrStart(key, policy)
	switch lookup.State {
	case data.LookupHit:
		f.logger.Debug().Str("method", req.Method).Str("key", data.FormatKey(key)).Msg("cache hit")
		return lookup.Value.WithID(req.ID), nil
	case data.LookupWait:
		resp, err := lookup.Await(ctx)
		if err != nil {
			return nil, err
		}
		return resp.WithID(req.ID), nil
	}

	// This caller owns the pending cycle. Production is detached from the
	// client's context so a disconnect does not strand the other waiters;
	// per-attempt timeouts still bound it. A failed production releases the
	// key for the next request.
	resp, err := f.forwardLive(context.WithoutCancel(ctx), req)
	f.cache.Complete(lookup.Token, resp, err)
	if err != nil {
		return nil, err
	}
	return resp.WithID(req.ID), nil
}

// forwardLive walks backends in priority order, skipping Down ones, and
// classifies each attempt's outcome. When every candidate has failed it
// retries the primary once before giving up.
func (f *Forwarder) forwardLive(ctx context.Context, req *common.JsonRpcRequest) (*common.JsonRpcResponse, error) {
	snaps := f.registry.SnapshotForSelection()
	if len(snaps) == 0 {
		return nil, common.NewErrAllUpstreamsFailed(req.Method)
	}

	candidates := make([]int, 0, len(snaps))
	for _, s := range snaps {
		if s.State != StateDown {
			candidates = append(candidates, s.Index)
		}
	}
	if len(candidates) == 0 {
		// Everything is Down; the primary is the least bad guess.
		candidates = append(candidates, snaps[0].Index)
	}

	for _, idx := range candidates {
		resp, ok := f.attempt(ctx, idx, req)
		if ok {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	// Last-resort retry on the primary, even when it was already tried.
	f.logger.Warn().Str("method", req.Method).Msg("all candidate backends failed, retrying primary as last resort")
	if resp, ok := f.attempt(ctx, snaps[0].Index, req); ok {
		return resp, nil
	}

	return nil, common.NewErrAllUpstreamsFailed(req.Method)
}

// attempt sends the call to one backend and feeds the outcome into the
// registry. ok is true when resp is a valid reply for the client, error
// replies included.
func (f *Forwarder) attempt(ctx context.Context, idx int, req *common.JsonRpcRequest) (resp *common.JsonRpcResponse, ok bool) {
	client := f.clients[idx]

	attemptCtx, cancel := context.WithTimeout(ctx, f.requestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := client.SendRequest(attemptCtx, req)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		f.logger.Debug().Err(err).Str("upstream", client.url).Str("method", req.Method).Msg("upstream attempt failed")
		f.failBackend(idx)
		return nil, false
	}

	if resp.Error != nil && isRetryableRpcError(resp.Error.Code) {
		f.logger.Debug().
			Int("code", resp.Error.Code).
			Str("upstream", client.url).
			Str("method", req.Method).
			Msg("upstream returned a server-side error, failing over")
		f.failBackend(idx)
		return nil, false
	}

	block := UnknownBlock
	if req.Method == "eth_blockNumber" && resp.Error == nil {
		var hex string
		if uerr := common.SonicCfg.Unmarshal(resp.Result, &hex); uerr == nil {
			if n, perr := util.HexToInt64(hex); perr == nil {
				block = n
			}
		}
	}
	f.registry.RecordSuccess(idx, latencyMs, block)
	return resp, true
}

func (f *Forwarder) failBackend(idx int) {
	if f.registry.RecordFailure(idx) {
		f.registry.Wake()
	}
}

// isRetryableRpcError reports whether a JSON-RPC error code signals upstream
// malfunction rather than a client mistake. -32603 is internal error,
// -32005 is rate limiting, and the -32000..-32098 range is reserved for
// server-defined failures. Codes such as -32601 (method not found) or 3
// (execution reverted) are valid replies and pass through.
func isRetryableRpcError(code int) bool {
	if code == -32603 || code == -32005 {
		return true
	}
	return code <= -32000 && code >= -32098
}
