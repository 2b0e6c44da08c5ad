package protocol

import (
	"context"
	"time"

	"dc3/bus"
	"dc3/errcode"
	"dc3/message"
	"dc3/wire"
)

// DefaultProcessingTimeout is the per-message Busy timeout applied when a
// handler has none configured; individual commands adjust it with
// SetTimeout.
const DefaultProcessingTimeout = 30 * time.Second

const (
	signalTimeout message.Signal = iota + 1
	signalDeferredReq
)

// Progress lets a handler emit a Prog frame mid-processing. Calls are
// no-ops unless the originating request set ProgressRequested.
type Progress func(disc wire.PayloadDiscriminator, payload any)

// Handler executes one message's work on the device side: perform the
// operation (possibly via i2cdev/flashmgr/sysdb), optionally report
// progress, and return the Done payload.
type Handler func(ctx context.Context, env wire.Envelope, payload []byte, progress Progress) (wire.PayloadDiscriminator, any, error)

type pendingTxn struct {
	route   wire.Route
	id      uint32
	name    wire.MessageName
	timerID message.TimerID
	cancel  context.CancelFunc
}

type handlerResult struct {
	route   wire.Route
	id      uint32
	disc    wire.PayloadDiscriminator
	payload any
	err     error
}

// Machine is the device-side Idle/BusyWithMsg state machine: exactly one
// transaction in flight at a time, later requests held on a bounded
// deferral queue and recalled in FIFO order once the current Done is
// emitted.
type Machine struct {
	conn *bus.Connection

	handlers map[wire.MessageName]Handler
	timeouts map[wire.MessageName]time.Duration

	pool   *message.Pool
	deferQ *message.DeferQueue
	timers *message.TimerSet

	busy        bool
	cur         *pendingTxn
	completions chan handlerResult
}

// NewMachine returns an idle device-side machine. deferCapacity bounds how
// many requests may queue while busy before new ones are dropped.
func NewMachine(conn *bus.Connection, deferCapacity int) *Machine {
	return &Machine{
		conn:        conn,
		handlers:    make(map[wire.MessageName]Handler),
		timeouts:    make(map[wire.MessageName]time.Duration),
		pool:        message.NewPool(message.PoolConfig{Small: deferCapacity}),
		deferQ:      message.NewDeferQueue(deferCapacity),
		timers:      message.NewTimerSet(deferCapacity + 4),
		completions: make(chan handlerResult, deferCapacity+4),
	}
}

// Handle registers the handler invoked for MessageName name.
func (m *Machine) Handle(name wire.MessageName, h Handler) {
	m.handlers[name] = h
}

// SetTimeout overrides the processing timeout for a single message name.
func (m *Machine) SetTimeout(name wire.MessageName, d time.Duration) {
	m.timeouts[name] = d
}

// Run subscribes to TopicRX and drives the state machine until ctx is
// cancelled.
func (m *Machine) Run(ctx context.Context) {
	rxSub := m.conn.Subscribe(TopicRX)
	defer m.conn.Unsubscribe(rxSub)

	stop := make(chan struct{})
	defer close(stop)
	go m.timers.Run(stop)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-rxSub.Channel():
			if !ok {
				return
			}
			f, ok := msg.Payload.(Frame)
			if !ok {
				continue
			}
			m.onFrame(ctx, f)
		case fired := <-m.timers.Fired():
			m.onTimerFired(fired)
		case res := <-m.completions:
			m.onHandlerDone(res)
		}
	}
}

func (m *Machine) onFrame(ctx context.Context, f Frame) {
	if f.Env.Type != wire.TypeReq {
		return
	}
	if m.busy {
		e, err := m.pool.Get(signalDeferredReq, 0)
		if err != nil {
			return // pool exhausted: drop, matching a full event pool's fixed-memory contract
		}
		e.Payload = f
		if err := m.deferQ.Defer(e); err != nil {
			e.Release() // deferral queue full: drop the request
		}
		return
	}
	m.beginTxn(ctx, f)
}

// beginTxn sends Ack immediately, then runs the handler (or the
// unknown-message path) on a separate goroutine so the processing timeout
// can race it without blocking the machine's own select loop.
func (m *Machine) beginTxn(ctx context.Context, f Frame) {
	route, id, name := f.Env.Route, f.Env.MessageID, f.Env.Name

	m.send(route, name, id, wire.TypeAck, wire.PayloadNone, nil)

	timeout := m.timeouts[name]
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)

	m.busy = true
	m.cur = &pendingTxn{
		route:   route,
		id:      id,
		name:    name,
		timerID: m.timers.ArmOnce(signalTimeout, timeout),
		cancel:  cancel,
	}

	handler, known := m.handlers[name]
	progress := func(disc wire.PayloadDiscriminator, payload any) {
		if !f.Env.ProgressRequested {
			return
		}
		m.send(route, name, id, wire.TypeProg, disc, payload)
	}

	go func() {
		var disc wire.PayloadDiscriminator
		var payload any
		var err error
		if !known {
			err = &errcode.E{C: errcode.UnknownMessage, Op: "protocol.Machine", Msg: "no handler registered"}
		} else {
			disc, payload, err = handler(hctx, f.Env, f.Payload, progress)
		}
		select {
		case m.completions <- handlerResult{route: route, id: id, disc: disc, payload: payload, err: err}:
		default:
		}
	}()
}

// onHandlerDone fires when a handler goroutine completes. A result whose
// route/id no longer matches the current transaction arrived after a
// timeout already closed it out; stale completions are filtered by
// message id and discarded.
func (m *Machine) onHandlerDone(res handlerResult) {
	if m.cur == nil || res.route != m.cur.route || res.id != m.cur.id {
		return
	}
	m.timers.Disarm(m.cur.timerID)
	m.cur.cancel()
	if res.err != nil {
		m.send(res.route, m.cur.name, res.id, wire.TypeDone, wire.PayloadStatus, wire.Status{ErrorCode: StatusCode(res.err)})
	} else {
		m.send(res.route, m.cur.name, res.id, wire.TypeDone, res.disc, res.payload)
	}
	m.finishTxn()
}

func (m *Machine) onTimerFired(fired message.Fired) {
	if m.cur == nil || fired.ID != m.cur.timerID {
		return
	}
	m.cur.cancel()
	m.send(m.cur.route, m.cur.name, m.cur.id, wire.TypeDone, wire.PayloadStatus, wire.Status{ErrorCode: StatusCode(errcode.Timeout)})
	m.finishTxn()
}

func (m *Machine) finishTxn() {
	m.cur = nil
	m.busy = false
	if e := m.deferQ.Recall(); e != nil {
		f := e.Payload.(Frame)
		e.Release()
		m.beginTxn(context.Background(), f)
	}
}

// send marshals payload (nil for PayloadNone) and publishes the resulting
// frame to TopicTX for a transport to carry out.
func (m *Machine) send(route wire.Route, name wire.MessageName, id uint32, typ wire.MessageType, disc wire.PayloadDiscriminator, payload any) {
	raw, err := wire.MarshalPayload(payload)
	if err != nil {
		return
	}
	env := wire.Envelope{Name: name, PayloadDiscriminator: disc, MessageID: id, Type: typ, Route: route}
	publishFrame(m.conn, TopicTX, Frame{Route: route, Env: env, Payload: raw})
}
