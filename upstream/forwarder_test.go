package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcproxy/rpcproxy/common"
	"github.com/rpcproxy/rpcproxy/data"
)

func newTestForwarder(t *testing.T, cacheTTL time.Duration, urls ...string) (*Forwarder, *Registry, *data.RpcCache) {
	t.Helper()
	logger := zerolog.Nop()
	registry := NewRegistry(&logger, urls)
	cache := data.NewRpcCache(&logger, cacheTTL, 100)
	forwarder := NewForwarder(&logger, registry, cache, 2*time.Second)
	return forwarder, registry, cache
}

func rpcReq(id, method, params string) *common.JsonRpcRequest {
	req := &common.JsonRpcRequest{JSONRPC: "2.0", Method: method}
	if id != "" {
		req.ID = []byte(id)
	}
	if params != "" {
		req.Params = []byte(params)
	}
	return req
}

func TestForwarder_CacheHit(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		Times(1).
		Reply(200).
		JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x1"})

	forwarder, _, cache := newTestForwarder(t, time.Minute, "http://rpc1.localhost")

	first, err := forwarder.Forward(context.Background(), rpcReq("1", "eth_chainId", "[]"))
	require.NoError(t, err)
	assert.Equal(t, `"0x1"`, string(first.Result))

	// Second call must be served from cache; the single upstream mock is
	// already consumed.
	second, err := forwarder.Forward(context.Background(), rpcReq("2", "eth_chainId", "[]"))
	require.NoError(t, err)
	assert.Equal(t, `"0x1"`, string(second.Result))
	assert.Equal(t, `2`, string(second.ID))

	assert.True(t, gock.IsDone(), "exactly one upstream call expected")
	assert.Equal(t, int64(1), cache.Snapshot().Hits)
}

func TestForwarder_CoalescesConcurrentRequests(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		Times(1).
		Reply(200).
		Delay(200 * time.Millisecond).
		JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x2a"})

	forwarder, _, _ := newTestForwarder(t, time.Minute, "http://rpc1.localhost")

	var wg sync.WaitGroup
	results := make([]string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := forwarder.Forward(context.Background(), rpcReq("7", "eth_blockNumber", "[]"))
			if assert.NoError(t, err) {
				results[i] = string(resp.Result)
			}
		}()
	}
	wg.Wait()

	assert.True(t, gock.IsDone(), "all concurrent requests must collapse to one upstream call")
	for _, r := range results {
		assert.Equal(t, `"0x2a"`, r)
	}
}

func TestForwarder_FailoverToNextBackend(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		Reply(500).
		BodyString("internal error")
	gock.New("http://rpc2.localhost").
		Post("/").
		Reply(200).
		JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x2a"})

	forwarder, registry, _ := newTestForwarder(t, time.Minute, "http://rpc1.localhost", "http://rpc2.localhost")

	resp, err := forwarder.Forward(context.Background(), rpcReq("1", "eth_chainId", "[]"))
	require.NoError(t, err)
	assert.Equal(t, `"0x2a"`, string(resp.Result))

	snaps := registry.SnapshotForSelection()
	assert.Equal(t, int64(1), snaps[0].TotalErrors)
	assert.Equal(t, StateHealthy, snaps[0].State, "one failure is not enough for Down")
}

func TestForwarder_ThreeFailuresMarkDownAndWake(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		Times(3).
		Reply(500).
		BodyString("boom")
	gock.New("http://rpc2.localhost").
		Post("/").
		Times(4).
		Reply(200).
		JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0xok"})

	forwarder, registry, _ := newTestForwarder(t, time.Minute, "http://rpc1.localhost", "http://rpc2.localhost")

	// eth_sendRawTransaction is never cached, so every request hits live.
	for i := 0; i < 3; i++ {
		_, err := forwarder.Forward(context.Background(), rpcReq("1", "eth_sendRawTransaction", `["0xdead"]`))
		require.NoError(t, err)
	}

	assert.Equal(t, StateDown, registry.SnapshotForSelection()[0].State)

	select {
	case <-registry.WakeChan():
	default:
		t.Fatal("Down transition must wake the health checker")
	}

	// The fourth request must not touch rpc1: its mocks are exhausted, so
	// any attempt would surface as a transport failure.
	resp, err := forwarder.Forward(context.Background(), rpcReq("1", "eth_sendRawTransaction", `["0xdead"]`))
	require.NoError(t, err)
	assert.Equal(t, `"0xok"`, string(resp.Result))
	assert.True(t, gock.IsDone())
}

func TestForwarder_UserErrorPassesThrough(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		Reply(200).
		JSON(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]interface{}{"code": -32601, "message": "method not found"},
		})

	forwarder, registry, _ := newTestForwarder(t, time.Minute, "http://rpc1.localhost", "http://rpc2.localhost")

	resp, err := forwarder.Forward(context.Background(), rpcReq("9", "foo_bar", "[]"))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
	assert.Equal(t, `9`, string(resp.ID))

	snap := registry.SnapshotForSelection()[0]
	assert.Equal(t, int64(0), snap.TotalErrors, "a user error is a successful forward")
	assert.Equal(t, StateHealthy, snap.State)
}

func TestForwarder_RetryableRpcErrorFailsOver(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		Reply(200).
		JSON(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]interface{}{"code": -32603, "message": "internal error"},
		})
	gock.New("http://rpc2.localhost").
		Post("/").
		Reply(200).
		JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x5"})

	forwarder, registry, _ := newTestForwarder(t, time.Minute, "http://rpc1.localhost", "http://rpc2.localhost")

	resp, err := forwarder.Forward(context.Background(), rpcReq("1", "eth_chainId", "[]"))
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.Equal(t, `"0x5"`, string(resp.Result))
	assert.Equal(t, int64(1), registry.SnapshotForSelection()[0].TotalErrors)
}

func TestForwarder_LastResortRetriesPrimary(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		Times(1).
		Reply(500).
		BodyString("transient")
	gock.New("http://rpc1.localhost").
		Post("/").
		Times(1).
		Reply(200).
		JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x1"})

	forwarder, _, _ := newTestForwarder(t, time.Minute, "http://rpc1.localhost")

	resp, err := forwarder.Forward(context.Background(), rpcReq("1", "eth_chainId", "[]"))
	require.NoError(t, err)
	assert.Equal(t, `"0x1"`, string(resp.Result))
	assert.True(t, gock.IsDone())
}

func TestForwarder_AllUpstreamsFailed(t *testing.T) {
	defer gock.Off()

	// One candidate attempt plus the last-resort retry.
	gock.New("http://rpc1.localhost").
		Post("/").
		Times(2).
		Reply(500).
		BodyString("dead")

	forwarder, _, _ := newTestForwarder(t, time.Minute, "http://rpc1.localhost")

	_, err := forwarder.Forward(context.Background(), rpcReq("1", "eth_chainId", "[]"))
	require.Error(t, err)
	assert.True(t, common.HasErrorCode(err, common.ErrCodeAllUpstreamsFailed))
	assert.True(t, gock.IsDone())
}

func TestForwarder_AllDownStillTriesPrimary(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		Persist().
		Reply(200).
		JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x1"})

	forwarder, registry, _ := newTestForwarder(t, time.Minute, "http://rpc1.localhost")
	for i := 0; i < 3; i++ {
		registry.RecordFailure(0)
	}
	require.Equal(t, StateDown, registry.SnapshotForSelection()[0].State)

	resp, err := forwarder.Forward(context.Background(), rpcReq("1", "eth_chainId", "[]"))
	require.NoError(t, err)
	assert.Equal(t, `"0x1"`, string(resp.Result))
}

func TestForwarder_RewritesAndRestoresIds(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		AddMatcher(func(httpReq *http.Request, _ *gock.Request) (bool, error) {
			body, err := io.ReadAll(httpReq.Body)
			if err != nil {
				return false, err
			}
			httpReq.Body = io.NopCloser(bytes.NewReader(body))
			var env map[string]interface{}
			if err := json.Unmarshal(body, &env); err != nil {
				return false, err
			}
			// Upstreams must see the local monotonic id, never the client's.
			_, isNumber := env["id"].(float64)
			return isNumber, nil
		}).
		Reply(200).
		JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 42, "result": "0x1"})

	forwarder, _, _ := newTestForwarder(t, time.Minute, "http://rpc1.localhost")

	resp, err := forwarder.Forward(context.Background(), rpcReq(`"client-id-7"`, "eth_chainId", "[]"))
	require.NoError(t, err)
	assert.Equal(t, `"client-id-7"`, string(resp.ID), "client id restored regardless of the upstream echo")
}

func TestForwarder_BlockNumberFeedsLatestBlock(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		Reply(200).
		JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x1b4"})

	forwarder, registry, _ := newTestForwarder(t, time.Minute, "http://rpc1.localhost")

	_, err := forwarder.Forward(context.Background(), rpcReq("1", "eth_blockNumber", "[]"))
	require.NoError(t, err)
	assert.Equal(t, int64(436), registry.SnapshotForSelection()[0].LatestBlock)
}

func TestForwarder_NeverPolicySkipsCache(t *testing.T) {
	defer gock.Off()

	gock.New("http://rpc1.localhost").
		Post("/").
		Times(2).
		Reply(200).
		JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0xtx"})

	forwarder, _, cache := newTestForwarder(t, time.Minute, "http://rpc1.localhost")

	for i := 0; i < 2; i++ {
		_, err := forwarder.Forward(context.Background(), rpcReq("1", "eth_sendRawTransaction", `["0xdead"]`))
		require.NoError(t, err)
	}

	assert.True(t, gock.IsDone(), "never-cached methods hit the upstream every time")
	assert.Equal(t, 0, cache.Len())
}
