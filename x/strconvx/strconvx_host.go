//go:build !mcu

package strconvx

import "strconv"

// Hosted builds delegate straight to strconv; the MCU build carries its
// own allocation-aware implementations behind the same signatures.

func Itoa(i int) string { return strconv.Itoa(i) }

func ParseUint(s string, base, bitSize int) (uint64, error) {
	return strconv.ParseUint(s, base, bitSize)
}
