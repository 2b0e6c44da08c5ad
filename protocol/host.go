package protocol

import (
	"context"
	"sync"
	"sync/atomic"

	"dc3/bus"
	"dc3/errcode"
	"dc3/wire"
)

// Call is one in-flight host-side request: it collects the Ack, any Prog
// frames and the terminal Done for a single message id.
type Call struct {
	Progress chan Frame
	done     chan Frame
}

// Client is the host-side half of the protocol state machine; the shape
// mirrors the device side, only the terminal handlers differ. It composes Req frames and
// correlates the Ack/Prog/Done frames a device sends back, by message id.
type Client struct {
	conn *bus.Connection

	idCtr atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*Call
}

// NewClient returns a host-side client bound to conn. Run must be started
// before any Call.
func NewClient(conn *bus.Connection) *Client {
	return &Client{conn: conn, pending: make(map[uint32]*Call)}
}

// Run subscribes to TopicRX and routes incoming Ack/Prog/Done frames to
// their waiting Call until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	sub := c.conn.Subscribe(TopicRX)
	defer c.conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			f, ok := msg.Payload.(Frame)
			if !ok {
				continue
			}
			c.dispatch(f)
		}
	}
}

func (c *Client) dispatch(f Frame) {
	c.mu.Lock()
	call, ok := c.pending[f.Env.MessageID]
	c.mu.Unlock()
	if !ok {
		return // no caller waiting: stale or unrelated frame, discard
	}
	switch f.Env.Type {
	case wire.TypeProg:
		select {
		case call.Progress <- f:
		default:
		}
	case wire.TypeDone:
		c.mu.Lock()
		delete(c.pending, f.Env.MessageID)
		c.mu.Unlock()
		call.done <- f
	}
}

// Send composes and publishes a Req frame, returning a Call the caller can
// wait on for Prog/Done. The Ack itself is not surfaced; a Call existing
// at all implies the device has (or will) Ack it.
func (c *Client) Send(route wire.Route, name wire.MessageName, disc wire.PayloadDiscriminator, payload any, progressRequested bool) (uint32, *Call, error) {
	id := c.idCtr.Add(1)
	raw, err := wire.MarshalPayload(payload)
	if err != nil {
		return 0, nil, err
	}
	env := wire.Envelope{
		Name:                 name,
		PayloadDiscriminator: disc,
		MessageID:            id,
		Type:                 wire.TypeReq,
		ProgressRequested:    progressRequested,
		Route:                route,
	}
	call := &Call{Progress: make(chan Frame, 4), done: make(chan Frame, 1)}
	c.mu.Lock()
	c.pending[id] = call
	c.mu.Unlock()

	publishFrame(c.conn, TopicTX, Frame{Route: route, Env: env, Payload: raw})
	return id, call, nil
}

// Wait blocks for the Done frame of a prior Send, or returns ctx.Err() if
// ctx is cancelled first. On timeout the pending entry is dropped so a
// later, stale Done is discarded rather than misdelivered.
func (c *Client) Wait(ctx context.Context, id uint32, call *Call) (Frame, error) {
	select {
	case f := <-call.done:
		return f, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Frame{}, ctx.Err()
	}
}

// Do sends a request and blocks for its Done, the common case for CLI
// verbs that don't need to observe Prog frames.
func (c *Client) Do(ctx context.Context, route wire.Route, name wire.MessageName, disc wire.PayloadDiscriminator, payload any) (Frame, error) {
	id, call, err := c.Send(route, name, disc, payload, false)
	if err != nil {
		return Frame{}, err
	}
	return c.Wait(ctx, id, call)
}

// DoneStatus extracts the numeric status from a Done frame whose payload
// discriminator is PayloadStatus. Any other discriminator yields a
// FrameDecodingError; a richer payload carries its own ErrorCode field.
func DoneStatus(f Frame) (uint16, error) {
	if f.Env.PayloadDiscriminator != wire.PayloadStatus {
		return 0, &errcode.E{C: errcode.FrameDecodingError, Op: "protocol.DoneStatus", Msg: "frame does not carry a status payload"}
	}
	st, err := wire.DecodePayload[wire.Status](f.Payload)
	if err != nil {
		return 0, err
	}
	return st.ErrorCode, nil
}
