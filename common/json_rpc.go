package common

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog"
)

const (
	JsonRpcErrorParseError     = -32700
	JsonRpcErrorInvalidRequest = -32600
	JsonRpcErrorInternal       = -32603
	JsonRpcErrorUnauthorized   = -32000
)

// JsonRpcRequest is a single JSON-RPC 2.0 invocation. ID and Params are kept
// as raw JSON so client ids (null, number, string) and number lexemes inside
// params survive round-trips untouched.
type JsonRpcRequest struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the call carries no id at all.
// A literal null id is still an id and gets a reply.
func (r *JsonRpcRequest) IsNotification() bool {
	return len(r.ID) == 0
}

func (r *JsonRpcRequest) IsValid() bool {
	return r.JSONRPC == "2.0" && r.Method != ""
}

func (r *JsonRpcRequest) MarshalZerologObject(e *zerolog.Event) {
	e.Str("method", r.Method).RawJSON("id", idOrNull(r.ID))
}

type JsonRpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type JsonRpcResponse struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JsonRpcError   `json:"error,omitempty"`
}

func (r *JsonRpcResponse) MarshalZerologObject(e *zerolog.Event) {
	e.RawJSON("id", idOrNull(r.ID))
	if r.Error != nil {
		e.Int("errorCode", r.Error.Code).Str("errorMessage", r.Error.Message)
	}
}

// WithID returns a shallow copy of the response restamped with the given id.
// Result and Error are shared; callers must treat them as read-only.
func (r *JsonRpcResponse) WithID(id json.RawMessage) *JsonRpcResponse {
	cp := *r
	cp.ID = idOrNull(id)
	return &cp
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func NewJsonRpcErrorResponse(id json.RawMessage, code int, message string) *JsonRpcResponse {
	return &JsonRpcResponse{
		JSONRPC: "2.0",
		ID:      idOrNull(id),
		Error: &JsonRpcError{
			Code:    code,
			Message: message,
		},
	}
}

func NewJsonRpcParseError() *JsonRpcResponse {
	return NewJsonRpcErrorResponse(nil, JsonRpcErrorParseError, "Parse error")
}

func NewJsonRpcInvalidRequest(id json.RawMessage) *JsonRpcResponse {
	return NewJsonRpcErrorResponse(id, JsonRpcErrorInvalidRequest, "Invalid request")
}

func NewJsonRpcUnauthorized() *JsonRpcResponse {
	return NewJsonRpcErrorResponse(nil, JsonRpcErrorUnauthorized, "Unauthorized")
}

// ParseJsonRpcBody decodes an inbound payload that is either a single
// envelope or a batch array. A batch is reported even when it is empty so
// the driver can reply with an invalid-request error. Batch elements that
// are not objects (null, numbers, strings) come back as nil entries; they
// still occupy a reply slot.
func ParseJsonRpcBody(body []byte) (reqs []*JsonRpcRequest, isBatch bool, err error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := SonicCfg.Unmarshal(trimmed, &elems); err != nil {
			return nil, true, err
		}
		reqs = make([]*JsonRpcRequest, 0, len(elems))
		for _, elem := range elems {
			var req JsonRpcRequest
			if string(elem) == "null" || SonicCfg.Unmarshal(elem, &req) != nil {
				reqs = append(reqs, nil)
				continue
			}
			reqs = append(reqs, &req)
		}
		return reqs, true, nil
	}
	var single JsonRpcRequest
	if err := SonicCfg.Unmarshal(body, &single); err != nil {
		return nil, false, err
	}
	return []*JsonRpcRequest{&single}, false, nil
}
