// Package rank produces lexicographically sortable order keys for list items.
// A rank is a base-36 string; relative order of items is the byte order of
// their ranks and nothing else. Between any two distinct ranks there is always
// another rank, so a single reorder never rewrites the rest of the list.
package rank

import (
	"errors"
	"strings"
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

const base = len(alphabet)

// maxLen is the rank length past which repeated midpoint insertion at the same
// boundary has degenerated enough that the list should be rebalanced.
const maxLen = 24

var (
	ErrInverted = errors.New("rank: low bound must be strictly less than high bound")

	// ErrNoRoom means the gap between the bounds is exhausted; the list
	// needs a rebalance before more insertions at this boundary.
	ErrNoRoom = errors.New("rank: no rank exists between the bounds")
)

// Initial returns the rank for the first item of an empty list.
func Initial() string {
	return string(alphabet[base/2])
}

// Valid reports whether r is a well-formed rank: non-empty and alphabet-only.
func Valid(r string) bool {
	if r == "" {
		return false
	}
	for i := 0; i < len(r); i++ {
		if strings.IndexByte(alphabet, r[i]) < 0 {
			return false
		}
	}
	return true
}

// Between returns a rank strictly between low and high. An empty bound means
// unbounded on that side. Both bounds empty yields Initial(). Ranks generated
// here never end in the minimum digit, which keeps future midpoints possible;
// foreign ranks that do (e.g. "a0") are still accepted as bounds, but an
// exhausted gap such as ("a", "a0") reports ErrNoRoom.
func Between(low, high string) (string, error) {
	if low != "" && high != "" && low >= high {
		return "", ErrInverted
	}
	r := midpoint(low, high)
	if (low != "" && r <= low) || (high != "" && r >= high) {
		return "", ErrNoRoom
	}
	return r, nil
}

// NeedsRebalance reports whether r has grown long enough that the owning list
// should have its ranks recomputed.
func NeedsRebalance(r string) bool {
	return len(r) >= maxLen
}

// Rebalance returns n evenly spaced short ranks in ascending order, for
// recomputing a whole list after midpoint chains have grown too long.
func Rebalance(n int) []string {
	if n <= 0 {
		return nil
	}
	width := 1
	span := base
	for span < n+1 {
		span *= base
		width++
	}
	step := span / (n + 1)
	out := make([]string, n)
	for i := range out {
		out[i] = strings.TrimRight(encode((i+1)*step, width), string(alphabet[0]))
	}
	return out
}

// midpoint returns a string strictly between a and b in lexicographic order,
// treating "" as -inf for a and +inf for b. Standard fractional indexing:
// split off the common prefix, then pick a digit in the gap or extend.
func midpoint(a, b string) string {
	if b != "" {
		i := 0
		for i < len(a) && i < len(b) && a[i] == b[i] {
			i++
		}
		if i > 0 {
			return b[:i] + midpoint(a[i:], b[i:])
		}
	}
	da := 0
	if a != "" {
		da = strings.IndexByte(alphabet, a[0])
	}
	db := base
	if b != "" {
		db = strings.IndexByte(alphabet, b[0])
	}
	if db-da > 1 {
		return string(alphabet[(da+db)/2])
	}
	// consecutive leading digits: keep a's digit and find room in its tail
	if len(a) > 0 {
		return string(a[0]) + midpoint(a[1:], "")
	}
	return string(alphabet[da]) + midpoint("", b[1:])
}

func encode(v, width int) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = alphabet[v%base]
		v /= base
	}
	return string(buf)
}
