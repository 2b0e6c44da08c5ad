// Package timex holds small time helpers shared across the firmware.
package timex

import "time"

// NowMs is the current wall clock in Unix milliseconds, the unit the
// device's retained state publish carries.
func NowMs() int64 { return time.Now().UnixMilli() }

// PeriodFromHz converts a tick frequency to its period. A zero frequency
// is treated as 1 Hz rather than dividing by zero.
func PeriodFromHz(freqHz uint32) time.Duration {
	if freqHz == 0 {
		freqHz = 1
	}
	return time.Second / time.Duration(freqHz)
}
