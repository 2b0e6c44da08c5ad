// Package devlog implements the debug/trace bus (C8): two mutable
// bitmasks gate every trace emission, a fast path posts a formatted
// record onto a sink for asynchronous output, and a slow path writes
// synchronously for use before the kernel starts. Modeled on main.go's
// allocation-light so the hot path stays off fmt, with the console and
// serial mirrors behind a single mask-gated sink.
package devlog

import (
	"sync"
	"sync/atomic"
	"time"

	"dc3/x/strconvx"
)

// Level names a trace record's severity, rendered as the DBG/LOG/WRN/ERR
// line prefixes (plus ISR for interrupt-context traces, which
// serialtransport also recognises as a line prefix to never mistake for a
// framed message).
type Level uint8

const (
	LevelDebug Level = iota
	LevelLog
	LevelWarn
	LevelError
	LevelISR
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DBG"
	case LevelLog:
		return "LOG"
	case LevelWarn:
		return "WRN"
	case LevelError:
		return "ERR"
	case LevelISR:
		return "ISR"
	default:
		return "???"
	}
}

// Module identifies a firmware module eligible for independent trace
// enable/disable, bit-indexed into the module mask.
type Module uint8

// Device identifies a traced hardware device, bit-indexed into the device
// mask, independent of Module.
type Device uint8

// Sink receives a fully formatted trace line for asynchronous output (the
// fast path). Implemented by serialtransport's send queue in production
// and by a slice-collecting fake in tests.
type Sink interface {
	TraceWrite(line []byte)
}

// Masks holds the two gating bitmasks, persisted as the sysdb elements
// "debug_modules" and "debug_devices".
type Masks struct {
	Modules uint32
	Devices uint32
}

// Logger gates, formats and dispatches trace records. Zero value is usable
// with every module/device disabled; call SetMasks to enable tracing.
type Logger struct {
	masks atomic.Value // stores Masks

	mu   sync.Mutex
	sink Sink
}

// NewLogger returns a Logger with every module/device disabled and no
// sink attached.
func NewLogger() *Logger {
	l := &Logger{}
	l.masks.Store(Masks{})
	return l
}

// SetSink attaches (or detaches, with nil) the fast-path output sink.
func (l *Logger) SetSink(s Sink) {
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
}

// SetMasks replaces both gating bitmasks atomically.
func (l *Logger) SetMasks(m Masks) { l.masks.Store(m) }

// Masks returns the current gating bitmasks.
func (l *Logger) Masks() Masks {
	m, _ := l.masks.Load().(Masks)
	return m
}

// Enabled reports whether a trace from (module, device) would be emitted
// under the current masks. A zero mask bit for either disables emission
// regardless of the other.
func (l *Logger) Enabled(module Module, device Device) bool {
	m := l.Masks()
	return m.Modules&(1<<uint(module)) != 0 && m.Devices&(1<<uint(device)) != 0
}

// Trace formats and fast-emits a record: built as an event and posted to
// the sink, never blocking the caller. Dropped silently if no sink is attached or the module/device
// pair is disabled.
func (l *Logger) Trace(module Module, device Device, level Level, fn string, line int, msg string) {
	if !l.Enabled(module, device) {
		return
	}
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	if sink == nil {
		return
	}
	sink.TraceWrite(format(level, fn, line, msg, false))
}

// TraceSlow formats and writes a record synchronously, bypassing mask
// gating and the sink, for use before the kernel's active objects are
// running. write is
// the console write function; production wires it to a UART console
// write, tests to a buffer.
func TraceSlow(write func([]byte), level Level, fn string, line int, msg string) {
	if write == nil {
		return
	}
	write(format(level, fn, line, msg, true))
}

// format renders "LEVEL[-SLOW!]-HH:MM:SS.mmm-fn():line: msg\n" without any
// heap-churning fmt.Sprintf.
func format(level Level, fn string, line int, msg string, slow bool) []byte {
	now := time.Now()
	h, m, s := now.Clock()
	ms := now.Nanosecond() / 1e6

	buf := make([]byte, 0, 64+len(fn)+len(msg))
	buf = append(buf, level.String()...)
	if slow {
		buf = append(buf, "-SLOW!"...)
	}
	buf = append(buf, '-')
	buf = appendPadded2(buf, h)
	buf = append(buf, ':')
	buf = appendPadded2(buf, m)
	buf = append(buf, ':')
	buf = appendPadded2(buf, s)
	buf = append(buf, '.')
	buf = appendPadded3(buf, ms)
	buf = append(buf, '-')
	buf = append(buf, fn...)
	buf = append(buf, "():"...)
	buf = append(buf, strconvx.Itoa(line)...)
	buf = append(buf, ": "...)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	return buf
}

func appendPadded2(buf []byte, v int) []byte {
	if v < 10 {
		buf = append(buf, '0')
	}
	return append(buf, strconvx.Itoa(v)...)
}

func appendPadded3(buf []byte, v int) []byte {
	switch {
	case v < 10:
		buf = append(buf, '0', '0')
	case v < 100:
		buf = append(buf, '0')
	}
	return append(buf, strconvx.Itoa(v)...)
}
