/*
Copyright 2015 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cbt

import (
	"encoding/binary"
	"fmt"
)

// compareKeys returns -1, 0 or +1 as a is less than, equal to, or greater
// than b, under unsigned byte-lexicographic order. Go's native string and
// []byte comparisons are already unsigned per byte (unlike a C `char`, which
// may be signed), so this is a thin, explicit wrapper rather than a
// from-scratch comparison loop — but it is the one function every ordering
// guarantee in this package is required to funnel through.
func compareKeys(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// prefixSuccessor returns the lexicographically smallest byte string that is
// strictly greater than every string with the given prefix: increment the
// last byte less than 0xFF and truncate everything after it. If prefix is
// empty, or consists entirely of 0xFF bytes, there is no finite upper bound
// and the empty string is returned.
func prefixSuccessor(prefix string) string {
	if prefix == "" {
		return ""
	}
	n := len(prefix)
	for n--; n >= 0 && prefix[n] == '\xff'; n-- {
	}
	if n == -1 {
		return ""
	}
	ans := []byte(prefix[:n])
	ans = append(ans, prefix[n]+1)
	return string(ans)
}

// encodeBigEndianUint64 encodes v as 8 bytes in network byte order, for use
// as a Bigtable increment-compatible cell value.
func encodeBigEndianUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// decodeBigEndianUint64 decodes an 8-byte big-endian cell value. It fails
// with a usage error, not a status error, if b is not exactly 8 bytes: a
// short or long buffer is a caller programming mistake, not a transport
// fault.
func decodeBigEndianUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("cbt: invalid int64 value length %d, expected 8", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
