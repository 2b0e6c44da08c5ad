package message

import (
	"testing"
	"time"

	"dc3/errcode"
)

func TestPoolGetPutRoundTrip(t *testing.T) {
	p := NewPool(PoolConfig{Small: 2})
	e1, err := p.Get(1, 10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.InUse(SizeSmall) != 1 {
		t.Fatalf("InUse = %d, want 1", p.InUse(SizeSmall))
	}
	e1.Release()
	if p.InUse(SizeSmall) != 0 {
		t.Fatalf("InUse after release = %d, want 0", p.InUse(SizeSmall))
	}
	_ = e1
}

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(PoolConfig{Small: 1})
	e1, err := p.Get(1, 8)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := p.Get(1, 8); err != errcode.Busy {
		t.Fatalf("second Get err = %v, want errcode.Busy", err)
	}
	e1.Release()
	if _, err := p.Get(1, 8); err != nil {
		t.Fatalf("Get after release: %v", err)
	}
}

func TestPoolRetainDelaysRelease(t *testing.T) {
	p := NewPool(PoolConfig{Small: 1})
	e, _ := p.Get(1, 8)
	e.Retain()
	e.Release()
	if p.InUse(SizeSmall) != 1 {
		t.Fatalf("InUse after single release of retained envelope = %d, want 1", p.InUse(SizeSmall))
	}
	e.Release()
	if p.InUse(SizeSmall) != 0 {
		t.Fatalf("InUse after final release = %d, want 0", p.InUse(SizeSmall))
	}
}

func TestPoolOverLargePayloadRejected(t *testing.T) {
	p := NewPool(DefaultPoolConfig())
	if _, err := p.Get(1, SizeLarge+1); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestTimerSetOneShotFires(t *testing.T) {
	ts := NewTimerSet(4)
	base := time.Unix(0, 0)
	id := ts.ArmOnce(42, 5*time.Second)

	ts.Tick(base.Add(4 * time.Second))
	select {
	case f := <-ts.Fired():
		t.Fatalf("fired early: %+v", f)
	default:
	}

	ts.Tick(base.Add(6 * time.Second))
	select {
	case f := <-ts.Fired():
		if f.ID != id || f.Signal != 42 {
			t.Fatalf("unexpected fire: %+v", f)
		}
	default:
		t.Fatal("expected timer to fire")
	}

	// one-shot must not re-arm
	ts.Tick(base.Add(20 * time.Second))
	select {
	case f := <-ts.Fired():
		t.Fatalf("one-shot fired twice: %+v", f)
	default:
	}
}

func TestTimerSetPeriodicRearms(t *testing.T) {
	ts := NewTimerSet(4)
	base := time.Unix(0, 0)
	ts.ArmPeriodic(7, 1*time.Second)

	for i := 1; i <= 3; i++ {
		ts.Tick(base.Add(time.Duration(i) * time.Second))
		select {
		case f := <-ts.Fired():
			if f.Signal != 7 {
				t.Fatalf("iteration %d: signal = %d, want 7", i, f.Signal)
			}
		default:
			t.Fatalf("iteration %d: expected fire", i)
		}
	}
}

func TestTimerSetDisarm(t *testing.T) {
	ts := NewTimerSet(4)
	base := time.Unix(0, 0)
	id := ts.ArmOnce(1, time.Second)
	ts.Disarm(id)
	ts.Tick(base.Add(10 * time.Second))
	select {
	case f := <-ts.Fired():
		t.Fatalf("disarmed timer fired: %+v", f)
	default:
	}
}

func TestDeferQueueFIFO(t *testing.T) {
	q := NewDeferQueue(2)
	a := &Envelope{Signal: 1}
	b := &Envelope{Signal: 2}
	if err := q.Defer(a); err != nil {
		t.Fatalf("Defer a: %v", err)
	}
	if err := q.Defer(b); err != nil {
		t.Fatalf("Defer b: %v", err)
	}
	if err := q.Defer(&Envelope{Signal: 3}); err != errcode.Busy {
		t.Fatalf("Defer over capacity err = %v, want Busy", err)
	}
	if got := q.Recall(); got != a {
		t.Fatalf("Recall first = %+v, want a", got)
	}
	if got := q.Recall(); got != b {
		t.Fatalf("Recall second = %+v, want b", got)
	}
	if got := q.Recall(); got != nil {
		t.Fatalf("Recall on empty = %+v, want nil", got)
	}
}

func TestDeferQueueRecallAll(t *testing.T) {
	q := NewDeferQueue(3)
	q.Defer(&Envelope{Signal: 1})
	q.Defer(&Envelope{Signal: 2})
	all := q.RecallAll()
	if len(all) != 2 {
		t.Fatalf("RecallAll len = %d, want 2", len(all))
	}
	if q.Len() != 0 {
		t.Fatalf("Len after RecallAll = %d, want 0", q.Len())
	}
}
