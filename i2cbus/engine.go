// Package i2cbus implements the bus-level I2C transfer engine: one
// instance per physical controller, serializing transfers through an
// internal state machine with per-state and whole-operation timeouts and a
// single bus-recovery attempt.
package i2cbus

import (
	"context"
	"sync"
	"time"

	"dc3/errcode"
)

// Bus is the minimal transfer contract the engine drives, matching
// tinygo.org/x/drivers.I2C's Tx shape so the same engine runs unmodified
// against a real controller or a simulated one.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

// AckController is implemented by bus drivers that expose explicit
// acknowledge-bit control. The engine disables ACK before clocking the
// final byte of a multi-byte read. Buses
// that manage ACK internally (most host-side drivers) need not implement
// this.
type AckController interface {
	SetAckEnable(enabled bool)
}

// Recoverer is implemented by bus drivers that can attempt a bus-recovery
// toggle (a brief clock-line wiggle to free a stuck slave). Invoked at most
// once per operation.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// State names the bus engine's internal sequencing, exposed for
// diagnostics and tests; callers never drive it directly.
type State int

const (
	StateIdle State = iota
	StateWaitForBusFree
	StateSendStart
	StateSendMasterSelect
	StateSetDirection
	StateSendInternalAddress
	StateSwitchDirection
	StateDMAArmed
	StateDMAComplete
	StateSendStop
)

// Config holds the engine's timeout budget. Zero fields fall back to
// EngineDefaults.
type Config struct {
	PerStateTimeout  time.Duration
	OperationTimeout time.Duration
}

// EngineDefaults mirrors conservative firmware timeout budgets: generous
// enough that a healthy bus never trips them, tight enough that a stuck
// slave is freed within a bounded time.
var EngineDefaults = Config{
	PerStateTimeout:  50 * time.Millisecond,
	OperationTimeout: 250 * time.Millisecond,
}

// Engine serializes every transfer behind one mutex, mirroring the single
// active object that owns a physical controller.
type Engine struct {
	bus Bus
	cfg Config

	mu    sync.Mutex // serializes concurrent Read/Write callers
	state State
}

// NewEngine wraps bus with the bus-level state machine. cfg's zero fields
// are replaced with EngineDefaults.
func NewEngine(bus Bus, cfg Config) *Engine {
	if cfg.PerStateTimeout <= 0 {
		cfg.PerStateTimeout = EngineDefaults.PerStateTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = EngineDefaults.OperationTimeout
	}
	return &Engine{bus: bus, cfg: cfg, state: StateIdle}
}

// addressWidth resolves whether addr needs 10-bit addressing: selected
// whenever the value does not fit in seven bits.
func addressWidth(addr uint16) int {
	if addr > 0x7F {
		return 10
	}
	return 7
}

// validateAddr rejects device addresses that fit in neither addressing
// mode before any bus activity starts.
func validateAddr(addr uint16) error {
	if addressWidth(addr) == 10 && addr > 0x3FF {
		return &errcode.E{C: errcode.InvalidParams, Op: "i2cbus", Msg: "device address exceeds 10-bit range"}
	}
	return nil
}

// ReadMemory performs a register-style read: write the internal address,
// switch direction, then clock count bytes into buf. Disables ACK before
// the final byte when the bus supports it.
func (e *Engine) ReadMemory(ctx context.Context, addr uint16, internalAddr uint32, addrWidth int, buf []byte) (int, error) {
	if err := validateAddr(addr); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	e.state = StateWaitForBusFree
	if err := e.awaitState(opCtx, StateSendStart); err != nil {
		return 0, e.fail(opCtx, err)
	}

	addrBytes := encodeInternalAddr(internalAddr, addrWidth)
	e.state = StateSendInternalAddress

	// Ack-disable gates only the final byte of a multi-byte read; with no
	// byte-level hook available, toggle it off for the whole transfer when
	// there is a final byte to nack and restore it afterwards.
	if ac, ok := e.bus.(AckController); ok && len(buf) > 1 {
		ac.SetAckEnable(false)
		defer ac.SetAckEnable(true)
	}

	e.state = StateDMAArmed
	if err := e.timedTx(opCtx, addr, addrBytes, buf); err != nil {
		return 0, e.fail(opCtx, err)
	}
	e.state = StateSendStop
	e.state = StateIdle
	return len(buf), nil
}

// WriteMemory writes the internal address immediately followed by data in
// a single transfer, one DMA-style phase for the whole write.
func (e *Engine) WriteMemory(ctx context.Context, addr uint16, internalAddr uint32, addrWidth int, data []byte) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	e.state = StateWaitForBusFree
	if err := e.awaitState(opCtx, StateSendStart); err != nil {
		return e.fail(opCtx, err)
	}

	addrBytes := encodeInternalAddr(internalAddr, addrWidth)
	out := make([]byte, 0, len(addrBytes)+len(data))
	out = append(out, addrBytes...)
	out = append(out, data...)

	e.state = StateDMAArmed
	if err := e.timedTx(opCtx, addr, out, nil); err != nil {
		return e.fail(opCtx, err)
	}
	e.state = StateSendStop
	e.state = StateIdle
	return nil
}

// awaitState walks the bookkeeping-only states that precede a transfer;
// there is no physical bus interaction until the first Tx, so this just
// checks the operation deadline hasn't already elapsed.
func (e *Engine) awaitState(ctx context.Context, next State) error {
	select {
	case <-ctx.Done():
		return errcode.Timeout
	default:
	}
	e.state = next
	return nil
}

// timedTx runs one bus transfer under a per-state timeout nested inside
// the operation timeout.
func (e *Engine) timedTx(ctx context.Context, addr uint16, w, r []byte) error {
	stateCtx, cancel := context.WithTimeout(ctx, e.cfg.PerStateTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.bus.Tx(addr, w, r) }()

	select {
	case err := <-done:
		if err != nil {
			return mapTxErr(err)
		}
		return nil
	case <-stateCtx.Done():
		return errcode.Timeout
	}
}

// fail runs the single bus-recovery attempt and always returns a failure
// completion; a second failure after recovery surfaces immediately.
func (e *Engine) fail(ctx context.Context, cause error) error {
	e.state = StateIdle
	if r, ok := e.bus.(Recoverer); ok {
		recoverCtx, cancel := context.WithTimeout(ctx, e.cfg.PerStateTimeout)
		_ = r.Recover(recoverCtx)
		cancel()
	}
	if cause == errcode.Timeout {
		return &errcode.E{C: errcode.I2CDataTimeout, Op: "i2cbus", Err: cause}
	}
	return cause
}

func mapTxErr(err error) error {
	if c, ok := err.(interface{ Code() errcode.Code }); ok {
		return &errcode.E{C: c.Code(), Op: "i2cbus", Err: err}
	}
	return &errcode.E{C: errcode.I2CAddressNack, Op: "i2cbus", Err: err}
}

// encodeInternalAddr renders an internal register address as 1 or 2 bytes,
// most-significant byte first, per addrWidth (8 or 16-bit internal
// addressing; addrWidth here is the internal-address bit width, distinct
// from the 7/10-bit device-address width resolved by addressWidth).
func encodeInternalAddr(addr uint32, addrWidth int) []byte {
	if addrWidth > 8 {
		return []byte{byte(addr >> 8), byte(addr)}
	}
	return []byte{byte(addr)}
}
