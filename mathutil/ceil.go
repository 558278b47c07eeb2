package mathutil

import (
	"golang.org/x/exp/constraints"
)

// CeilInts divides a by b, rounding the quotient up toward positive
// infinity.
func CeilInts[T constraints.Integer](a, b T) T {
	q := a / b
	if a%b != 0 && (a < 0) == (b < 0) {
		q++
	}
	return q
}
