package data

import (
	"encoding/json"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/rpcproxy/rpcproxy/util"
)

// CachePolicy decides whether and for how long a method's result may be
// reused across clients.
type CachePolicy int

const (
	// PolicyNever marks methods that must always reach an upstream.
	PolicyNever CachePolicy = iota
	// PolicyImmutable marks results that can never change once produced.
	PolicyImmutable
	// PolicyChainTip marks results tied to the current head of the chain.
	PolicyChainTip
)

// ImmutableTTL is how long immutable results are kept. They could in theory
// live forever; one hour bounds memory for long-running processes.
const ImmutableTTL = 1 * time.Hour

func (p CachePolicy) String() string {
	switch p {
	case PolicyNever:
		return "never"
	case PolicyImmutable:
		return "immutable"
	case PolicyChainTip:
		return "chainTip"
	}
	return "unknown"
}

// TTL returns the lifetime of a Ready entry produced under this policy.
// chainTipTTL is the configured default for head-of-chain data.
func (p CachePolicy) TTL(chainTipTTL time.Duration) time.Duration {
	if p == PolicyImmutable {
		return ImmutableTTL
	}
	return chainTipTTL
}

// Methods that must never be served from cache. Wildcards cover whole
// namespaces the way upstream matchers do.
var neverCacheMethods = []string{
	"eth_sendRawTransaction",
	"eth_sendTransaction",
	"eth_subscribe",
	"eth_unsubscribe",
	"personal_*",
	"debug_*",
	"trace_*",
}

// Methods whose results are immutable regardless of params.
var immutableMethods = map[string]bool{
	"eth_getTransactionReceipt":             true,
	"eth_getTransactionByHash":              true,
	"eth_getBlockByHash":                    true,
	"eth_chainId":                           true,
	"net_version":                           true,
	"web3_clientVersion":                    true,
	"eth_getCode":                           true,
	"eth_getTransactionByBlockHashAndIndex": true,
}

// ClassifyPolicy maps a method and its raw params to a cache policy. It is a
// pure function of its inputs.
//
// eth_getBlockByNumber with a concrete hex quantity (not a tag such as
// "latest") and eth_getLogs with a blockHash filter are immutable; the same
// methods otherwise track the chain tip, as does every unrecognized method.
func ClassifyPolicy(method string, params json.RawMessage) CachePolicy {
	for _, pattern := range neverCacheMethods {
		if wildcard.Match(pattern, method) {
			return PolicyNever
		}
	}

	if immutableMethods[method] {
		return PolicyImmutable
	}

	switch method {
	case "eth_getBlockByNumber":
		if tag, ok := firstParamString(params); ok && util.IsHexQuantity(tag) {
			return PolicyImmutable
		}
	case "eth_getLogs":
		if filterHasBlockHash(params) {
			return PolicyImmutable
		}
	}

	return PolicyChainTip
}

// firstParamString extracts params[0] when it is a JSON string.
func firstParamString(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var arr []json.RawMessage
	if err := sonicCanon.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		return "", false
	}
	var s string
	if err := sonicCanon.Unmarshal(arr[0], &s); err != nil {
		return "", false
	}
	return s, true
}

func filterHasBlockHash(params json.RawMessage) bool {
	if len(params) == 0 {
		return false
	}
	var arr []json.RawMessage
	if err := sonicCanon.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		return false
	}
	var filter map[string]json.RawMessage
	if err := sonicCanon.Unmarshal(arr[0], &filter); err != nil {
		return false
	}
	bh, ok := filter["blockHash"]
	return ok && string(bh) != "null"
}
