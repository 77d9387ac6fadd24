package data

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPolicy_NeverSet(t *testing.T) {
	for _, method := range []string{
		"eth_sendRawTransaction",
		"eth_sendTransaction",
		"eth_subscribe",
		"eth_unsubscribe",
		"personal_sign",
		"personal_unlockAccount",
		"debug_traceTransaction",
		"trace_block",
	} {
		t.Run(method, func(t *testing.T) {
			assert.Equal(t, PolicyNever, ClassifyPolicy(method, nil))
		})
	}
}

func TestClassifyPolicy_ImmutableSet(t *testing.T) {
	for _, method := range []string{
		"eth_getTransactionReceipt",
		"eth_getTransactionByHash",
		"eth_getBlockByHash",
		"eth_chainId",
		"net_version",
		"web3_clientVersion",
		"eth_getCode",
		"eth_getTransactionByBlockHashAndIndex",
	} {
		t.Run(method, func(t *testing.T) {
			assert.Equal(t, PolicyImmutable, ClassifyPolicy(method, json.RawMessage(`[]`)))
		})
	}
}

func TestClassifyPolicy_GetBlockByNumber(t *testing.T) {
	cases := []struct {
		name     string
		params   string
		expected CachePolicy
	}{
		{"hex quantity", `["0x1b4", false]`, PolicyImmutable},
		{"latest", `["latest", false]`, PolicyChainTip},
		{"pending", `["pending", false]`, PolicyChainTip},
		{"earliest", `["earliest", false]`, PolicyChainTip},
		{"finalized", `["finalized", false]`, PolicyChainTip},
		{"safe", `["safe", false]`, PolicyChainTip},
		{"no params", ``, PolicyChainTip},
		{"non-string first param", `[123]`, PolicyChainTip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ClassifyPolicy("eth_getBlockByNumber", json.RawMessage(tc.params)))
		})
	}
}

func TestClassifyPolicy_GetLogs(t *testing.T) {
	withHash := json.RawMessage(`[{"blockHash":"0xabc123","topics":[]}]`)
	assert.Equal(t, PolicyImmutable, ClassifyPolicy("eth_getLogs", withHash))

	byRange := json.RawMessage(`[{"fromBlock":"0x1","toBlock":"latest"}]`)
	assert.Equal(t, PolicyChainTip, ClassifyPolicy("eth_getLogs", byRange))

	nullHash := json.RawMessage(`[{"blockHash":null}]`)
	assert.Equal(t, PolicyChainTip, ClassifyPolicy("eth_getLogs", nullHash))
}

func TestClassifyPolicy_DefaultsToChainTip(t *testing.T) {
	for _, method := range []string{
		"eth_blockNumber",
		"eth_gasPrice",
		"eth_getBalance",
		"eth_call",
		"eth_estimateGas",
		"some_unknownMethod",
	} {
		t.Run(method, func(t *testing.T) {
			assert.Equal(t, PolicyChainTip, ClassifyPolicy(method, json.RawMessage(`[]`)))
		})
	}
}

func TestClassifyPolicy_IsDeterministic(t *testing.T) {
	params := json.RawMessage(`["0x1b4", true]`)
	first := ClassifyPolicy("eth_getBlockByNumber", params)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, ClassifyPolicy("eth_getBlockByNumber", params))
	}
}

func TestCacheKey_SemanticEquality(t *testing.T) {
	// Object member order must not matter.
	a := CacheKey("eth_getLogs", json.RawMessage(`[{"fromBlock":"0x1","toBlock":"0x2"}]`))
	b := CacheKey("eth_getLogs", json.RawMessage(`[{"toBlock":"0x2","fromBlock":"0x1"}]`))
	assert.Equal(t, a, b)

	// Whitespace must not matter.
	c := CacheKey("eth_getLogs", json.RawMessage(`[ { "fromBlock" : "0x1" , "toBlock" : "0x2" } ]`))
	assert.Equal(t, a, c)

	// Nested objects are sorted too.
	d := CacheKey("eth_call", json.RawMessage(`[{"to":"0x1","data":"0x2"},"latest"]`))
	e := CacheKey("eth_call", json.RawMessage(`[{"data":"0x2","to":"0x1"},"latest"]`))
	assert.Equal(t, d, e)
}

func TestCacheKey_Divergence(t *testing.T) {
	a := CacheKey("eth_getBalance", json.RawMessage(`["0xabc","latest"]`))
	b := CacheKey("eth_getBalance", json.RawMessage(`["0xdef","latest"]`))
	assert.NotEqual(t, a, b)

	// Array order is significant.
	c := CacheKey("eth_getBalance", json.RawMessage(`["latest","0xabc"]`))
	assert.NotEqual(t, a, c)

	// Different methods with equal params diverge.
	d := CacheKey("eth_call", json.RawMessage(`["0xabc","latest"]`))
	assert.NotEqual(t, a, d)

	// Absent params and empty array are distinct calls.
	e := CacheKey("eth_blockNumber", nil)
	f := CacheKey("eth_blockNumber", json.RawMessage(`[]`))
	assert.NotEqual(t, e, f)
}

func TestCacheKey_NumberLexemePreserved(t *testing.T) {
	// 1e2 and 100 are numerically equal but must not collide: the lexeme
	// is part of the identity to avoid precision surprises.
	a := CacheKey("custom_method", json.RawMessage(`[1e2]`))
	b := CacheKey("custom_method", json.RawMessage(`[100]`))
	assert.NotEqual(t, a, b)

	// A large integer beyond float64 precision keeps its exact value.
	c := CacheKey("custom_method", json.RawMessage(`[9007199254740993]`))
	d := CacheKey("custom_method", json.RawMessage(`[9007199254740992]`))
	assert.NotEqual(t, c, d)
}

func TestPolicyTTL(t *testing.T) {
	assert.Equal(t, ImmutableTTL, PolicyImmutable.TTL(0))
	assert.Equal(t, 2*time.Second, PolicyChainTip.TTL(2*time.Second))
}
