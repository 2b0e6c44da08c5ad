// Package message provides the event-kernel primitives shared by every
// active object: a reference-counted, size-classed envelope pool, a timer
// set for one-shot and periodic events, and a bounded deferral queue.
//
// Envelopes replace ad-hoc allocation on the hot path: a pool pre-allocates
// a fixed number of buffers per size class at startup, and Get/Put recycle
// them by reference count instead of leaving them to the garbage collector.
package message

import (
	"sync"
	"sync/atomic"

	"dc3/errcode"
)

// Size classes, chosen to cover the protocol's small control frames, the
// medium read/write payloads and the large flash-ingest packets without
// over-allocating for the common case.
const (
	SizeSmall  = 32
	SizeMedium = 256
	SizeLarge  = 2048
)

// Signal identifies the meaning of an Envelope to its receiving state
// machine.
type Signal uint16

// Envelope is a typed, pooled unit of work posted on a Bus. It carries a
// byte buffer sized to one of the pool's size classes plus a typed Payload
// for structured data that does not need to cross a wire boundary.
type Envelope struct {
	Signal  Signal
	Payload any

	buf      []byte
	pool     *Pool
	class    int
	refcount atomic.Int32
}

// Bytes returns the envelope's buffer.
func (e *Envelope) Bytes() []byte { return e.buf }

// Reset clears signal/payload and truncates the buffer to zero length,
// without returning the envelope to its pool.
func (e *Envelope) Reset() {
	e.Signal = 0
	e.Payload = nil
	e.buf = e.buf[:0]
}

// Retain increments the reference count. Use when an envelope is handed to
// more than one concurrent consumer (e.g. fan-out to several subscribers).
func (e *Envelope) Retain() { e.refcount.Add(1) }

// Release decrements the reference count and returns the envelope to its
// pool once it reaches zero. Calling Release more times than the envelope
// was retained is a bug in the caller and panics.
func (e *Envelope) Release() {
	n := e.refcount.Add(-1)
	if n < 0 {
		panic("message: envelope released too many times")
	}
	if n == 0 && e.pool != nil {
		e.pool.put(e)
	}
}

// classFor returns the smallest size class that fits n bytes, or -1 if n
// exceeds the largest class.
func classFor(n int) int {
	switch {
	case n <= SizeSmall:
		return SizeSmall
	case n <= SizeMedium:
		return SizeMedium
	case n <= SizeLarge:
		return SizeLarge
	default:
		return -1
	}
}

// Pool is a fixed-capacity, reference-counted envelope pool with three size
// classes. Depletion returns errcode.Busy rather than allocating, mirroring
// a firmware event pool's fixed-memory contract.
type Pool struct {
	mu    sync.Mutex
	free  map[int][]*Envelope
	stats map[int]*classStats
}

type classStats struct {
	total, inUse int
}

// PoolConfig sets the number of pre-allocated envelopes per size class.
type PoolConfig struct {
	Small, Medium, Large int
}

// DefaultPoolConfig mirrors a modestly provisioned event pool: enough
// headroom for bursts without unbounded growth.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Small: 32, Medium: 16, Large: 4}
}

// NewPool pre-allocates all envelopes for every class up front.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		free:  make(map[int][]*Envelope),
		stats: make(map[int]*classStats),
	}
	p.seed(SizeSmall, cfg.Small)
	p.seed(SizeMedium, cfg.Medium)
	p.seed(SizeLarge, cfg.Large)
	return p
}

func (p *Pool) seed(class, n int) {
	if n <= 0 {
		return
	}
	bucket := make([]*Envelope, 0, n)
	for i := 0; i < n; i++ {
		bucket = append(bucket, &Envelope{
			buf:   make([]byte, 0, class),
			pool:  p,
			class: class,
		})
	}
	p.free[class] = bucket
	p.stats[class] = &classStats{total: n}
}

// Get returns an envelope whose buffer has capacity for at least n bytes,
// with refcount 1. Returns errcode.Busy if that class is exhausted.
func (p *Pool) Get(signal Signal, n int) (*Envelope, error) {
	class := classFor(n)
	if class == -1 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "message.Pool.Get", Msg: "payload exceeds largest size class"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.free[class]
	if len(bucket) == 0 {
		return nil, errcode.Busy
	}
	e := bucket[len(bucket)-1]
	p.free[class] = bucket[:len(bucket)-1]
	p.stats[class].inUse++

	e.Signal = signal
	e.buf = e.buf[:0]
	e.refcount.Store(1)
	return e, nil
}

func (p *Pool) put(e *Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.Signal = 0
	e.Payload = nil
	e.buf = e.buf[:0]
	p.free[e.class] = append(p.free[e.class], e)
	if st := p.stats[e.class]; st != nil {
		st.inUse--
	}
}

// InUse reports how many envelopes of the given size class are currently
// checked out. Intended for diagnostics, not the hot path.
func (p *Pool) InUse(class int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.stats[class]; st != nil {
		return st.inUse
	}
	return 0
}
