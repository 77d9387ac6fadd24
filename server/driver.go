package server

import (
	"context"
	"io"
	"net/http"

	"github.com/rpcproxy/rpcproxy/common"
)

// serveRpc demultiplexes a parsed payload into independent calls, forwards
// them and reassembles the reply. JSON-RPC errors ride HTTP 200.
func (s *HttpServer) serveRpc(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJson(w, http.StatusOK, common.NewJsonRpcParseError())
		return
	}

	reqs, isBatch, err := common.ParseJsonRpcBody(body)
	if err != nil {
		s.writeJson(w, http.StatusOK, common.NewJsonRpcParseError())
		return
	}

	if !isBatch {
		req := reqs[0]
		if !req.IsValid() {
			s.writeJson(w, http.StatusOK, common.NewJsonRpcInvalidRequest(req.ID))
			return
		}
		resp := s.forwardOne(r.Context(), req)
		if req.IsNotification() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeJson(w, http.StatusOK, resp)
		return
	}

	if len(reqs) == 0 {
		s.writeJson(w, http.StatusOK, common.NewJsonRpcInvalidRequest(nil))
		return
	}

	responses := s.forwardBatch(r.Context(), reqs)
	if len(responses) == 0 {
		// All elements were notifications; nothing to reply.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJson(w, http.StatusOK, responses)
}

// forwardBatch submits every call concurrently and reassembles replies in
// input order. Notifications are forwarded but contribute no reply element;
// a failed element never aborts its siblings. Nil elements (null or
// non-object batch members) are answered with an invalid-request error and
// never treated as notifications.
func (s *HttpServer) forwardBatch(ctx context.Context, reqs []*common.JsonRpcRequest) []*common.JsonRpcResponse {
	results := make([]*common.JsonRpcResponse, len(reqs))
	done := make(chan struct{}, len(reqs))

	inFlight := 0
	for i, req := range reqs {
		if req == nil {
			results[i] = common.NewJsonRpcInvalidRequest(nil)
			continue
		}
		inFlight++
		go func() {
			results[i] = s.forwardOne(ctx, req)
			done <- struct{}{}
		}()
	}
	for n := 0; n < inFlight; n++ {
		<-done
	}

	responses := make([]*common.JsonRpcResponse, 0, len(reqs))
	for i, req := range reqs {
		if req != nil && req.IsNotification() {
			continue
		}
		responses = append(responses, results[i])
	}
	return responses
}

// forwardOne resolves a single call to a reply object, mapping forward
// failures onto JSON-RPC error envelopes.
func (s *HttpServer) forwardOne(ctx context.Context, req *common.JsonRpcRequest) *common.JsonRpcResponse {
	if req == nil {
		return common.NewJsonRpcInvalidRequest(nil)
	}
	if !req.IsValid() {
		return common.NewJsonRpcInvalidRequest(req.ID)
	}

	resp, err := s.forwarder.Forward(ctx, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("method", req.Method).Msg("forward failed")
		return common.NewJsonRpcErrorResponse(req.ID, common.JsonRpcErrorInternal, "no backends available")
	}
	return resp
}
