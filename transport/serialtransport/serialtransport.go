// Package serialtransport implements the serial endpoint active object:
// base64 line framing, three-letter debug-prefix sniffing, a single
// in-flight DMA-style send with deferred sends drained on completion, and
// a DMA timeout that abandons a stuck transfer.
package serialtransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"dc3/bus"
	"dc3/protocol"
	"dc3/wire"
)

// debugPrefixes are the three-letter level tags a line may begin with;
// any of these means "never treated as a frame".
var debugPrefixes = [][]byte{[]byte("DBG"), []byte("LOG"), []byte("WRN"), []byte("ERR"), []byte("ISR")}

// DefaultDMATimeout is the default abandon-transfer timeout.
const DefaultDMATimeout = time.Second

// Config names the serial device and baud rate; the host CLI's `-s dev -b
// baud` connection selector maps directly onto this.
type Config struct {
	Device     string
	Baud       int
	DMATimeout time.Duration
}

// TopicDebugRX is where raw debug-prefixed lines received off the wire are
// published, for a CLI or log sink to consume verbatim.
var TopicDebugRX = bus.T("transport", "serial", "debugrx")

// Dialer opens the physical serial device. The platform default is a
// tarm/serial port on hosts and a hardware UART on the board.
type Dialer func(cfg Config) (io.ReadWriteCloser, error)

// Endpoint is the serial transport active object: it owns the physical
// port, accumulates inbound bytes into lines, and serializes outbound
// sends through a single DMA-style channel.
type Endpoint struct {
	conn *bus.Connection
	cfg  Config
	dial Dialer

	sendQ chan []byte // one line (without trailing \n) waiting to be written; DMA-style, one in flight
}

// New returns an endpoint bound to conn, using the platform default
// dialer. Tests substitute dial with an in-memory pipe.
func New(conn *bus.Connection, cfg Config) *Endpoint {
	if cfg.DMATimeout <= 0 {
		cfg.DMATimeout = DefaultDMATimeout
	}
	return &Endpoint{conn: conn, cfg: cfg, dial: defaultDial, sendQ: make(chan []byte, 16)}
}

// SetDialer overrides the dial function, used by tests.
func (e *Endpoint) SetDialer(d Dialer) { e.dial = d }

// TraceWrite implements devlog.Sink: an already-formatted trace line (with
// its own three-letter prefix and trailing newline) is queued verbatim,
// never base64-encoded, so the debug-prefix sniff on the receiving end
// recognises it as a trace line rather than a frame.
func (e *Endpoint) TraceWrite(line []byte) {
	raw := bytes.TrimSuffix(line, []byte("\n"))
	select {
	case e.sendQ <- append([]byte(nil), raw...):
	default: // DMA send queue full: drop, matching a bounded deferral queue
	}
}

// Run dials the serial device and runs the read/write loop until ctx is
// cancelled, retrying the dial with backoff on failure.
func (e *Endpoint) Run(ctx context.Context) {
	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		port, err := e.dial(e.cfg)
		if err != nil {
			d := backoff()
			if !sleep(ctx, d) {
				return
			}
			continue
		}

		e.runLink(ctx, port)
		_ = port.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (e *Endpoint) runLink(ctx context.Context, port io.ReadWriteCloser) {
	txSub := e.conn.Subscribe(protocol.TopicTX)
	defer e.conn.Unsubscribe(txSub)

	errCh := make(chan error, 1)
	go e.readLoop(port, errCh)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			_ = err
			return
		case msg, ok := <-txSub.Channel():
			if !ok {
				return
			}
			f, ok := msg.Payload.(protocol.Frame)
			if !ok || f.Route != wire.RouteSerial {
				continue
			}
			var buf bytes.Buffer
			if err := wire.EncodeFrameRaw(&buf, f.Env, f.Payload); err != nil {
				continue
			}
			line := []byte(base64.StdEncoding.EncodeToString(buf.Bytes()))
			e.queueOrSendNow(ctx, port, line, errCh)
		case line := <-e.sendQ:
			e.queueOrSendNow(ctx, port, line, errCh)
		}
	}
}

// queueOrSendNow performs the single in-flight DMA-style send: one write,
// bounded by DMATimeout, before the channel accepts the next line. Writes
// that exceed the timeout abandon the transfer and report the link as
// failed so Run redials.
func (e *Endpoint) queueOrSendNow(ctx context.Context, port io.Writer, line []byte, errCh chan<- error) {
	done := make(chan error, 1)
	go func() {
		_, err := port.Write(append(line, '\n'))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	case <-time.After(e.cfg.DMATimeout):
		select {
		case errCh <- fmt.Errorf("serialtransport: DMA timeout after %s", e.cfg.DMATimeout):
		default:
		}
	case <-ctx.Done():
	}
}

// readLoop line-accumulates inbound bytes: a debug-prefixed line is
// published verbatim to TopicDebugRX, any other line is base64-decoded
// and treated as a frame.
func (e *Endpoint) readLoop(port io.Reader, errCh chan<- error) {
	r := bufio.NewReader(port)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			e.handleLine(trimCRLF(line))
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

func (e *Endpoint) handleLine(line []byte) {
	if isDebugLine(line) {
		e.conn.Publish(e.conn.NewMessage(TopicDebugRX, append([]byte(nil), line...), false))
		return
	}
	raw, err := base64.StdEncoding.DecodeString(string(line))
	if err != nil {
		return // not valid base64 and not a debug line: drop
	}
	env, payload, err := wire.DecodeFrame(bytes.NewReader(raw))
	if err != nil {
		return
	}
	env.Route = wire.RouteSerial
	f := protocol.Frame{Route: wire.RouteSerial, Env: env, Payload: payload}
	e.conn.Publish(e.conn.NewMessage(protocol.TopicRX, f, false))
}

func isDebugLine(line []byte) bool {
	for _, p := range debugPrefixes {
		if bytes.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func trimCRLF(s string) []byte {
	b := []byte(s)
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return b
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
