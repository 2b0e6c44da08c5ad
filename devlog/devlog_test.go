package devlog

import (
	"strings"
	"testing"
)

type fakeSink struct {
	lines [][]byte
}

func (f *fakeSink) TraceWrite(line []byte) {
	f.lines = append(f.lines, append([]byte(nil), line...))
}

func TestTraceGatedByBothMasks(t *testing.T) {
	l := NewLogger()
	sink := &fakeSink{}
	l.SetSink(sink)

	l.Trace(3, 1, LevelLog, "doThing", 42, "hello")
	if len(sink.lines) != 0 {
		t.Fatalf("expected no emission with zero masks, got %d lines", len(sink.lines))
	}

	l.SetMasks(Masks{Modules: 1 << 3, Devices: 1 << 1})
	l.Trace(3, 1, LevelLog, "doThing", 42, "hello")
	if len(sink.lines) != 1 {
		t.Fatalf("expected one emission, got %d", len(sink.lines))
	}
	line := string(sink.lines[0])
	if !strings.HasPrefix(line, "LOG-") {
		t.Fatalf("line = %q, want LOG- prefix", line)
	}
	if !strings.Contains(line, "doThing():42: hello") {
		t.Fatalf("line = %q, missing function/line/message", line)
	}
}

func TestTraceDisabledWhenOnlyOneMaskSet(t *testing.T) {
	l := NewLogger()
	sink := &fakeSink{}
	l.SetSink(sink)
	l.SetMasks(Masks{Modules: 1 << 3, Devices: 0})

	l.Trace(3, 1, LevelWarn, "f", 1, "m")
	if len(sink.lines) != 0 {
		t.Fatalf("expected gating on device mask, got %d lines", len(sink.lines))
	}
}

func TestTraceSlowBypassesMasksAndSink(t *testing.T) {
	var out []byte
	TraceSlow(func(b []byte) { out = append(out, b...) }, LevelError, "boot", 7, "cold start")
	if !strings.HasPrefix(string(out), "ERR-SLOW!-") {
		t.Fatalf("out = %q, want ERR-SLOW!- prefix", out)
	}
	if !strings.Contains(string(out), "boot():7: cold start") {
		t.Fatalf("out = %q, missing function/line/message", out)
	}
}

func TestTraceSlowNilWriteIsNoop(t *testing.T) {
	TraceSlow(nil, LevelDebug, "f", 1, "m") // must not panic
}
