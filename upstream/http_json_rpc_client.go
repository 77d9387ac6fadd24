package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpcproxy/rpcproxy/common"
	"github.com/rpcproxy/rpcproxy/util"
)

// localRpcId hands out the monotonic ids stamped onto upstream envelopes.
// Client ids never reach upstreams; replies are restamped on the way back.
var localRpcId atomic.Int64

// NewHttpClient builds the outbound client shared by all backends: one
// pooled transport, per-attempt timeouts applied through the request
// context rather than the client. Tests get the default transport so mocks
// can intercept it.
func NewHttpClient() *http.Client {
	if util.IsTest() {
		return &http.Client{}
	}
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// HttpJsonRpcClient sends single JSON-RPC calls to one backend URL.
type HttpJsonRpcClient struct {
	logger     zerolog.Logger
	url        string
	httpClient *http.Client
}

func NewHttpJsonRpcClient(logger *zerolog.Logger, url string, httpClient *http.Client) *HttpJsonRpcClient {
	return &HttpJsonRpcClient{
		logger:     logger.With().Str("component", "upstreamClient").Str("upstream", url).Logger(),
		url:        url,
		httpClient: httpClient,
	}
}

// SendRequest posts one call and decodes the reply. The returned response
// carries the upstream's echo of the local id; callers restamp it. Transport
// failures, timeouts, HTTP 5xx and undecodable bodies come back as typed
// errors; a decodable JSON-RPC error reply is not an error here.
func (c *HttpJsonRpcClient) SendRequest(ctx context.Context, req *common.JsonRpcRequest) (*common.JsonRpcResponse, error) {
	id := localRpcId.Add(1)
	idRaw, _ := common.SonicCfg.Marshal(id)
	body, err := common.SonicCfg.Marshal(&common.JsonRpcRequest{
		JSONRPC: "2.0",
		ID:      idRaw,
		Method:  req.Method,
		Params:  req.Params,
	})
	if err != nil {
		return nil, common.NewErrUpstreamRequest(err, c.url)
	}

	c.logger.Trace().Str("method", req.Method).Int64("localId", id).Msg("sending upstream request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, common.NewErrUpstreamRequest(err, c.url)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, common.NewErrUpstreamTimeout(err, c.url)
		}
		return nil, common.NewErrUpstreamRequest(err, c.url)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.NewErrUpstreamRequest(err, c.url)
	}

	if resp.StatusCode >= 500 {
		return nil, common.NewErrUpstreamHTTP(c.url, resp.StatusCode)
	}

	var rpcResp common.JsonRpcResponse
	if err := common.SonicCfg.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, common.NewErrUpstreamMalformedResponse(err, c.url)
	}
	if rpcResp.Result == nil && rpcResp.Error == nil {
		return nil, common.NewErrUpstreamMalformedResponse(errors.New("response carries neither result nor error"), c.url)
	}

	return &rpcResp, nil
}
