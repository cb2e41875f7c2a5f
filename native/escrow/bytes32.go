package escrow

import (
	"bytes"
	"fmt"
)

// Bytes32FromString packs a short string into a zero padded 32 byte value.
// The last byte is reserved as a terminator so at most 31 bytes fit.
func Bytes32FromString(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) > 31 {
		return out, fmt.Errorf("bytes32 string must be at most 31 bytes, got %d", len(s))
	}
	copy(out[:], s)
	return out, nil
}

// Bytes32ToString unpacks a value produced by Bytes32FromString.
func Bytes32ToString(b [32]byte) (string, error) {
	if b[31] != 0 {
		return "", fmt.Errorf("bytes32 string is not null terminated")
	}
	return string(b[:bytes.IndexByte(b[:], 0)]), nil
}
