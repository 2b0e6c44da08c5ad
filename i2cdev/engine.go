// Package i2cdev translates semantic device operations (read/write a
// device's memory by byte offset) into i2cbus transfers, applying the
// checks and page-decomposition rules the bus engine itself knows nothing
// about.
package i2cdev

import (
	"context"
	"time"

	"dc3/errcode"
	"dc3/i2cbus"
	"dc3/message"
)

// AccessMode selects one of the three request dispatch strategies.
type AccessMode int

const (
	// AccessBlocking drives the bus engine synchronously. Only valid
	// before the kernel's active objects are running.
	AccessBlocking AccessMode = iota
	// AccessNativeEvent posts a request and delivers completion as a
	// pooled message.Envelope (signal SigCompletion, payload Result) into
	// the caller's mailbox, the same way every other kernel event reaches
	// an active object. The receiver must Release the envelope.
	AccessNativeEvent
	// AccessSecondaryCooperative posts a request and wakes the caller's
	// cooperatively scheduled task by handing a raw Result to its
	// dedicated queue; no envelope or pool is involved.
	AccessSecondaryCooperative
)

// SigCompletion marks an envelope carrying a Result for a native-event
// request.
const SigCompletion message.Signal = 0x1C

// Descriptor describes one device reachable on the bus.
type Descriptor struct {
	ID            string
	Address       uint16
	AddrWidth     int // internal-address width in bits (8 or 16)
	MaxOffset     int // one past the highest valid byte offset
	PageSize      int // 0 disables page decomposition
	ReadOnly      bool
	SettlingDelay time.Duration // wait between page writes; default 5ms if zero
}

func (d Descriptor) settling() time.Duration {
	if d.SettlingDelay <= 0 {
		return 5 * time.Millisecond
	}
	return d.SettlingDelay
}

// Result is delivered to native-event and secondary-cooperative callers on
// completion.
type Result struct {
	CallerID string
	Op       string // "read" or "write"
	Data     []byte // populated for reads
	Err      error
}

// Engine owns a bus engine and a device descriptor table, and exposes the
// single Request entry point used by every access mode.
type Engine struct {
	bus     *i2cbus.Engine
	devices map[string]Descriptor
	pool    *message.Pool // completion envelopes for native-event requests
}

// NewEngine returns an Engine driving bus, with no devices registered.
func NewEngine(bus *i2cbus.Engine) *Engine {
	return &Engine{
		bus:     bus,
		devices: make(map[string]Descriptor),
		pool:    message.NewPool(message.PoolConfig{Small: 16}),
	}
}

// AddDevice registers a device descriptor.
func (e *Engine) AddDevice(d Descriptor) {
	e.devices[d.ID] = d
}

func (e *Engine) lookup(id string) (Descriptor, error) {
	d, ok := e.devices[id]
	if !ok {
		return Descriptor{}, &errcode.E{C: errcode.InvalidDevice, Op: "i2cdev", Msg: id}
	}
	return d, nil
}

func (e *Engine) checkBounds(d Descriptor, offset, count int) error {
	if offset < 0 || count < 0 || offset+count > d.MaxOffset {
		return &errcode.E{C: errcode.OffsetOutOfRange, Op: "i2cdev", Msg: d.ID}
	}
	return nil
}

// ReadMemory performs a bounds-checked read of count bytes starting at
// offset from device id, blocking for the duration of the underlying bus
// transfer regardless of AccessMode (reads are never page-decomposed and
// always complete in one bus operation).
func (e *Engine) ReadMemory(ctx context.Context, id string, offset, count int) ([]byte, error) {
	d, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := e.checkBounds(d, offset, count); err != nil {
		return nil, err
	}
	buf := make([]byte, count)
	n, err := e.bus.ReadMemory(ctx, d.Address, uint32(offset), d.AddrWidth, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WriteMemory performs a bounds- and read-only-checked write, decomposing
// across page boundaries when the device descriptor specifies a page size.
// A settling delay elapses between page writes.
func (e *Engine) WriteMemory(ctx context.Context, id string, offset int, data []byte) error {
	d, err := e.lookup(id)
	if err != nil {
		return err
	}
	if d.ReadOnly {
		return &errcode.E{C: errcode.DeviceReadOnly, Op: "i2cdev", Msg: d.ID}
	}
	if err := e.checkBounds(d, offset, len(data)); err != nil {
		return err
	}

	pages := PlanPages(offset, len(data), d.PageSize)
	for i, pg := range pages {
		if i > 0 {
			if err := e.settle(ctx, d.settling()); err != nil {
				return err
			}
		}
		chunk := data[pg.DataOffset : pg.DataOffset+pg.Length]
		if err := e.bus.WriteMemory(ctx, d.Address, uint32(pg.Offset), d.AddrWidth, chunk); err != nil {
			return &errcode.E{C: errcode.PageDecomposeFailed, Op: "i2cdev", Msg: d.ID, Err: err}
		}
	}
	return nil
}

func (e *Engine) settle(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request is the single entry point for every access mode. Blocking calls
// run the transfer inline and return its error. Native-event calls return
// immediately and later post a SigCompletion envelope to mailbox.
// Secondary-cooperative calls return immediately and later hand a raw
// Result to queue. The target the mode does not use may be nil; a nil
// target for the mode that uses it is rejected with InvalidParams.
func (e *Engine) Request(ctx context.Context, mode AccessMode, callerID, op, id string, offset int, data []byte, mailbox chan<- *message.Envelope, queue chan<- Result) error {
	switch mode {
	case AccessBlocking:
		return e.runBlocking(ctx, op, id, offset, data, func(Result) {})
	case AccessNativeEvent:
		if mailbox == nil {
			return &errcode.E{C: errcode.InvalidParams, Op: "i2cdev.Request", Msg: "native-event request without a mailbox"}
		}
		go e.runBlocking(context.Background(), op, id, offset, data, func(r Result) {
			r.CallerID = callerID
			env, err := e.pool.Get(SigCompletion, 0)
			if err != nil {
				return // completion pool exhausted: the caller's timeout covers it
			}
			env.Payload = r
			select {
			case mailbox <- env:
			default:
				env.Release() // mailbox full: drop rather than block the engine
			}
		})
		return nil
	case AccessSecondaryCooperative:
		if queue == nil {
			return &errcode.E{C: errcode.InvalidParams, Op: "i2cdev.Request", Msg: "cooperative request without a queue"}
		}
		go e.runBlocking(context.Background(), op, id, offset, data, func(r Result) {
			r.CallerID = callerID
			select {
			case queue <- r:
			default:
			}
		})
		return nil
	default:
		return &errcode.E{C: errcode.InvalidParams, Op: "i2cdev.Request", Msg: "unknown access mode"}
	}
}

func (e *Engine) runBlocking(ctx context.Context, op, id string, offset int, data []byte, deliver func(Result)) error {
	var res Result
	res.Op = op
	switch op {
	case "read":
		buf, err := e.ReadMemory(ctx, id, offset, len(data))
		res.Data, res.Err = buf, err
	case "write":
		res.Err = e.WriteMemory(ctx, id, offset, data)
	default:
		res.Err = &errcode.E{C: errcode.InvalidParams, Op: "i2cdev.Request", Msg: "unknown op " + op}
	}
	deliver(res)
	return res.Err
}
