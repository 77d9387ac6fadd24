package util

import (
	"fmt"
	"strconv"
	"strings"
)

// HexToInt64 parses a JSON-RPC hex quantity ("0x1b4") into an int64.
func HexToInt64(s string) (int64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	v, err := strconv.ParseUint(trimmed, 16, 63)
	if err != nil {
		return 0, fmt.Errorf("invalid hex quantity %q: %w", s, err)
	}
	return int64(v), nil
}

// IsHexQuantity reports whether s looks like a "0x"-prefixed hex quantity,
// as opposed to a block tag such as "latest".
func IsHexQuantity(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) < 3 {
		return false
	}
	for _, ch := range s[2:] {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}
