//go:build mcu

package strconvx

// MCU builds avoid strconv's table-driven generality; these cover the
// firmware's needs: decimal integer rendering for trace lines and
// unsigned parsing with 0x/0b/0o auto-detection for command arguments.

type syntaxError struct{}

func (syntaxError) Error() string { return "invalid syntax" }

func Itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	u := uint64(i)
	if neg {
		u = uint64(-i)
	}
	var buf [20]byte
	p := len(buf)
	for u > 0 {
		p--
		buf[p] = byte('0' + u%10)
		u /= 10
	}
	if neg {
		p--
		buf[p] = '-'
	}
	return string(buf[p:])
}

// ParseUint parses an unsigned integer. base 0 auto-detects a 0x, 0b or
// 0o prefix and falls back to decimal; bitSize bounds the result the way
// strconv.ParseUint does, erroring on overflow.
func ParseUint(s string, base, bitSize int) (uint64, error) {
	if base == 0 {
		base = 10
		if len(s) > 2 && s[0] == '0' {
			switch s[1] {
			case 'x', 'X':
				base, s = 16, s[2:]
			case 'b', 'B':
				base, s = 2, s[2:]
			case 'o', 'O':
				base, s = 8, s[2:]
			}
		}
	}
	if base < 2 || base > 36 || len(s) == 0 {
		return 0, syntaxError{}
	}
	if bitSize == 0 {
		bitSize = 64
	}
	var limit uint64 = 1<<uint(bitSize) - 1
	if bitSize == 64 {
		limit = ^uint64(0)
	}

	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		var d uint64
		switch {
		case '0' <= c && c <= '9':
			d = uint64(c - '0')
		case 'a' <= c && c <= 'z':
			d = uint64(c-'a') + 10
		case 'A' <= c && c <= 'Z':
			d = uint64(c-'A') + 10
		default:
			return 0, syntaxError{}
		}
		if d >= uint64(base) {
			return 0, syntaxError{}
		}
		next := v*uint64(base) + d
		if next < v || next > limit {
			return 0, syntaxError{}
		}
		v = next
	}
	return v, nil
}
