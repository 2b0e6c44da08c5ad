// Package udptransport implements the UDP endpoint active object: it
// binds a local port, knows one remote endpoint, posts received frames
// onto protocol.TopicRX and sends frames published to protocol.TopicTX
// whose route is RouteUDPClient.
package udptransport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"dc3/bus"
	"dc3/protocol"
	"dc3/wire"
)

// Config names the local port to bind and the one remote endpoint this
// socket talks to, matching the host CLI's `-i ip -p remote_port -l
// local_port` selector.
type Config struct {
	LocalPort  int
	RemoteIP   string
	RemotePort int
}

// Endpoint is the UDP transport active object, with backoff-supervised
// rebinding: "link down" here means the bind itself failed, since UDP has
// no connection to lose.
type Endpoint struct {
	conn       *bus.Connection
	cfg        Config
	stateTopic bus.Topic

	mu   sync.Mutex
	sock *net.UDPConn
}

// New returns an endpoint bound to conn, not yet listening.
func New(conn *bus.Connection, cfg Config) *Endpoint {
	return &Endpoint{conn: conn, cfg: cfg, stateTopic: bus.T("transport", "udp", "state")}
}

// Run binds the local port and runs the read/write loops until ctx is
// cancelled, retrying the bind with backoff on failure.
func (e *Endpoint) Run(ctx context.Context) {
	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sock, err := net.ListenUDP("udp", &net.UDPAddr{Port: e.cfg.LocalPort})
		if err != nil {
			d := backoff()
			e.publishState("degraded", fmt.Sprintf("bind_failed_retrying: %v (retry in %s)", err, d))
			if !sleep(ctx, d) {
				return
			}
			continue
		}

		e.mu.Lock()
		e.sock = sock
		e.mu.Unlock()
		e.publishState("up", "bound")

		e.runLink(ctx, sock)

		e.mu.Lock()
		e.sock = nil
		e.mu.Unlock()
		_ = sock.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (e *Endpoint) runLink(ctx context.Context, sock *net.UDPConn) {
	txSub := e.conn.Subscribe(protocol.TopicTX)
	defer e.conn.Unsubscribe(txSub)

	errCh := make(chan error, 1)
	go e.readLoop(sock, errCh)

	remote := &net.UDPAddr{IP: net.ParseIP(e.cfg.RemoteIP), Port: e.cfg.RemotePort}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			e.publishState("degraded", fmt.Sprintf("read_failed: %v", err))
			return
		case msg, ok := <-txSub.Channel():
			if !ok {
				return
			}
			f, ok := msg.Payload.(protocol.Frame)
			if !ok || f.Route != wire.RouteUDPClient {
				continue
			}
			var buf bytes.Buffer
			if err := wire.EncodeFrameRaw(&buf, f.Env, f.Payload); err != nil {
				continue
			}
			if _, err := sock.WriteToUDP(buf.Bytes(), remote); err != nil {
				e.publishState("degraded", fmt.Sprintf("write_failed: %v", err))
			}
		}
	}
}

// readLoop reads one datagram per receive, decodes it as a single frame
// (no length prefix needed: the datagram boundary is the frame boundary)
// and publishes it to protocol.TopicRX.
func (e *Endpoint) readLoop(sock *net.UDPConn, errCh chan<- error) {
	buf := make([]byte, wire.MaxFrameLen)
	for {
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			errCh <- err
			return
		}
		env, payload, err := wire.DecodeFrame(bytes.NewReader(buf[:n]))
		if err != nil {
			continue // malformed datagram, drop and keep listening
		}
		env.Route = wire.RouteUDPClient
		f := protocol.Frame{Route: wire.RouteUDPClient, Env: env, Payload: payload}
		e.conn.Publish(e.conn.NewMessage(protocol.TopicRX, f, false))
	}
}

func (e *Endpoint) publishState(level, status string) {
	e.conn.Publish(e.conn.NewMessage(e.stateTopic, map[string]any{"level": level, "status": status}, true))
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
