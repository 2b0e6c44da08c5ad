// Package mathx holds the few generic numeric helpers the firmware needs.
package mathx

import "golang.org/x/exp/constraints"

// Clamp pins v into [lo, hi]. Callers pass ordered bounds (lo <= hi).
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
