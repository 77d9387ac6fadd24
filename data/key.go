package data

import (
	"encoding/json"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
)

// sonicCanon decodes numbers as json.Number so their source lexeme survives
// canonicalization, and re-marshals maps with sorted keys. Two params values
// that differ only in member order or whitespace produce the same bytes.
var sonicCanon = sonic.Config{
	UseNumber:        true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	EscapeHTML:       false,
	CopyString:       true,
}.Froze()

// CacheKey fingerprints (method, params) so that semantically equal requests
// collide. Arrays keep their order; object members are sorted recursively.
func CacheKey(method string, params json.RawMessage) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(method)
	_, _ = digest.WriteString(":")
	_, _ = digest.Write(canonicalize(params))
	return digest.Sum64()
}

func canonicalize(params json.RawMessage) []byte {
	if len(params) == 0 {
		return []byte("null")
	}
	var v interface{}
	if err := sonicCanon.Unmarshal(params, &v); err != nil {
		// Unparseable params still deserve a stable key.
		return params
	}
	out, err := sonicCanon.Marshal(v)
	if err != nil {
		return params
	}
	return out
}

// FormatKey renders a cache key the way it appears in logs.
func FormatKey(key uint64) string {
	return strconv.FormatUint(key, 16)
}
