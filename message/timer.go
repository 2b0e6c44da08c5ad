package message

import (
	"sync"
	"time"

	"dc3/x/timex"
)

// TickHz is the minimum supported tick resolution for the timer set. The
// device's cooperative scheduler is expected to drive ticks at least this
// fast; timers requested with a shorter period than one tick fire on the
// next tick instead of being silently dropped.
const TickHz = 100

// TickPeriod is the nominal duration of one tick at TickHz.
var TickPeriod = timex.PeriodFromHz(TickHz)

// TimerID identifies an armed timer for disarming.
type TimerID uint32

type armedTimer struct {
	id       TimerID
	signal   Signal
	deadline time.Time
	period   time.Duration // 0 for one-shot
	canceled bool
}

// TimerSet is a software timer list driven by a caller-owned tick loop. It
// mirrors a firmware time-event list: one list, checked once per tick,
// rather than one OS timer per event. Its clock is the time passed to the
// most recent Tick (the Unix epoch before the first one); deadlines are
// measured from that clock, not from the wall clock.
type TimerSet struct {
	mu     sync.Mutex
	timers map[TimerID]*armedTimer
	nextID TimerID
	fire   chan Fired
	clock  time.Time
}

// Fired is delivered when an armed timer's deadline has passed.
type Fired struct {
	ID     TimerID
	Signal Signal
}

// NewTimerSet returns a TimerSet whose Fired channel has the given buffer.
func NewTimerSet(queueLen int) *TimerSet {
	return &TimerSet{
		timers: make(map[TimerID]*armedTimer),
		fire:   make(chan Fired, queueLen),
		clock:  time.Unix(0, 0),
	}
}

// Fired delivers timer expirations. The caller's select loop should read
// from this alongside its bus subscription.
func (t *TimerSet) Fired() <-chan Fired { return t.fire }

// ArmOnce schedules a one-shot timer after d.
func (t *TimerSet) ArmOnce(signal Signal, d time.Duration) TimerID {
	return t.arm(signal, d, 0)
}

// ArmPeriodic schedules a timer that re-arms itself every period after
// first firing after the same period.
func (t *TimerSet) ArmPeriodic(signal Signal, period time.Duration) TimerID {
	return t.arm(signal, period, period)
}

func (t *TimerSet) arm(signal Signal, d, period time.Duration) TimerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.timers[id] = &armedTimer{
		id:       id,
		signal:   signal,
		deadline: t.clock.Add(d),
		period:   period,
	}
	return id
}

// Disarm cancels a timer. Disarming an unknown or already-fired one-shot
// timer is a no-op.
func (t *TimerSet) Disarm(id TimerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.timers, id)
}

// Tick advances the timer set by now, posting a non-blocking Fired for
// every expired timer and re-arming periodic ones. Call at >= TickHz.
// If the Fired channel is full, the expiry is dropped for this tick and
// retried on the next one (the deadline is not advanced).
func (t *TimerSet) Tick(now time.Time) {
	t.mu.Lock()
	t.clock = now
	var expired []*armedTimer
	for _, at := range t.timers {
		if !now.Before(at.deadline) {
			expired = append(expired, at)
		}
	}
	t.mu.Unlock()

	for _, at := range expired {
		select {
		case t.fire <- Fired{ID: at.id, Signal: at.signal}:
		default:
			continue
		}
		t.mu.Lock()
		if at.period > 0 {
			at.deadline = at.deadline.Add(at.period)
		} else {
			delete(t.timers, at.id)
		}
		t.mu.Unlock()
	}
}

// Run drives Tick from a real-time ticker until ctx/stop is closed, passing
// the Unix epoch plus the time elapsed since Run started. Intended for
// production use; tests call Tick directly with synthetic times.
func (t *TimerSet) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(TickPeriod)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case now := <-ticker.C:
			t.Tick(time.Unix(0, 0).Add(now.Sub(start)))
		case <-stop:
			return
		}
	}
}
