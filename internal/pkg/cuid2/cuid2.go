// Package cuid2 generates short, prefixed, URL-safe identifiers.
package cuid2

import (
	crypto_rand "crypto/rand"
	"strings"
	"time"
)

// Base62 alphabet: 0-9, A-Z, a-z (62 characters)
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const timestampLength = 6

// EncodeTimestampBase62 encodes Unix seconds as a fixed-width base62 string.
// The output sorts lexicographically in time order for about 1800 years from
// the epoch.
func EncodeTimestampBase62(timestampSeconds int64) string {
	n := timestampSeconds
	result := make([]byte, timestampLength)
	for i := timestampLength - 1; i >= 0; i-- {
		result[i] = base62Alphabet[n%62]
		n /= 62
	}
	return string(result)
}

// randomBase62 returns length characters drawn uniformly from the base62
// alphabet. Six bits are taken at a time and values >= 62 are rejected.
func randomBase62(length int) string {
	buf := make([]byte, (length*6)/8+4)
	fill := func() {
		if _, err := crypto_rand.Read(buf); err != nil {
			panic("failed to read random bytes: " + err.Error())
		}
	}
	fill()

	var result strings.Builder
	result.Grow(length)
	var bits uint64
	var nbits uint
	idx := 0

	for result.Len() < length {
		for nbits < 6 {
			if idx == len(buf) {
				fill()
				idx = 0
			}
			bits = (bits << 8) | uint64(buf[idx])
			nbits += 8
			idx++
		}

		value := (bits >> (nbits - 6)) & 0x3f
		nbits -= 6
		if value < 62 {
			result.WriteByte(base62Alphabet[value])
		}
	}
	return result.String()
}

// Options controls identifier generation.
type Options struct {
	// Random drops the timestamp prefix. By default identifiers start with six
	// timestamp characters so that they sort by creation time.
	Random bool
	// Length of the random portion (default: 18 when time-sortable, 24 otherwise).
	Length int
}

// New returns prefix + "_" + identifier.
//
//	New("task", Options{})             // "task_1rK5iqaB3cD5eF7gH9iJ1k"
//	New("tok", Options{Random: true})  // "tok_8kJ2mN4pQ6rS0tU3vW5xY7zA"
func New(prefix string, opts Options) string {
	length := opts.Length
	if opts.Random {
		if length <= 0 {
			length = 24
		}
		return prefix + "_" + randomBase62(length)
	}
	if length <= 0 {
		length = 18
	}
	return prefix + "_" + EncodeTimestampBase62(time.Now().Unix()) + randomBase62(length)
}
