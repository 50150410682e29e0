// Package lexint encodes non-negative integers as fixed-width hexadecimal
// strings whose lexicographic order matches the numeric order of the values.
//
// The encoding is used to compose ordered index keys: a message observed at
// feed index 10 must sort after one observed at index 9 when both are embedded
// in a string key. Writers and readers must agree on the encoding, so it lives
// in its own package rather than being private to one view.
package lexint

import (
	"fmt"
	"strconv"

	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
)

// width covers the full uint64 range: 16 hex digits.
const width = 16

// Encode returns the fixed-width hex encoding of n.
func Encode(n uint64) string {
	return fmt.Sprintf("%016x", n)
}

// Decode parses a string produced by Encode.
func Decode(s string) (uint64, error) {
	if len(s) != width {
		return 0, errors.New(errors.CodeInvalidArgument,
			fmt.Sprintf("lexint: expected %d hex digits, got %d", width, len(s)), nil)
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errors.New(errors.CodeInvalidArgument, "lexint: not a hex integer", err)
	}
	return n, nil
}
