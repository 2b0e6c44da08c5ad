// Package bus is the mailbox fabric the firmware's active objects run on:
// every subsystem (protocol machine, transports, composition root) owns a
// Connection, subscribes to the fixed topics it serves, and runs a single
// select loop over its subscription channels. Topics are fixed literals
// known at build time ("protocol"/"rx", "transport"/"serial"/"debugrx",
// "device"/"state"), so matching is exact; a message published with
// Retained set is replayed to any later subscriber of its topic, which is
// how slow-starting objects observe link and device state they missed.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Topic addresses a mailbox. Tokens are plain literals; no wildcard
// matching is performed.
type Topic []string

// T builds a Topic from its tokens.
func T(tokens ...string) Topic { return Topic(tokens) }

// key flattens a topic for map lookup. The unit separator cannot appear
// in a token, so distinct topics never collide.
func (t Topic) key() string { return strings.Join(t, "\x1f") }

// Message is one unit of traffic between active objects. Payload is
// whatever the publishing subsystem and its subscribers agreed on
// (protocol.Frame, a raw line, a state map). Retained messages survive
// past delivery and are replayed to later subscribers of the same topic.
type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ID       uint32
}

// Subscription is one mailbox feed: a bounded channel of messages
// published to exactly its topic.
type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// Bus routes messages between connections. All state is guarded by one
// mutex; delivery itself never blocks the publisher (see deliver).
type Bus struct {
	mu       sync.Mutex
	subs     map[string][]*Subscription
	retained map[string]*Message
	qLen     int
	idCtr    atomic.Uint32
}

// NewBus returns an empty bus whose subscription channels buffer queueLen
// messages each.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 3
	}
	return &Bus{
		subs:     make(map[string][]*Subscription),
		retained: make(map[string]*Message),
		qLen:     queueLen,
	}
}

func (b *Bus) nextID() uint32 { return b.idCtr.Add(1) }

// NewMessage stamps a message with a bus-unique id.
func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained, ID: b.nextID()}
}

// Publish delivers msg to every current subscriber of its topic. A
// retained message additionally replaces the topic's stored value; a
// retained message with a nil payload clears it.
func (b *Bus) Publish(msg *Message) {
	k := msg.Topic.key()
	b.mu.Lock()
	targets := append([]*Subscription(nil), b.subs[k]...)
	if msg.Retained {
		if msg.Payload == nil {
			delete(b.retained, k)
		} else {
			b.retained[k] = msg
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		deliver(sub, msg)
	}
}

// deliver enqueues without ever blocking the publisher: a full mailbox
// sheds its oldest message to make room, so a stalled subscriber lags but
// cannot stall the rest of the system.
func deliver(sub *Subscription, msg *Message) {
	defer func() { _ = recover() }() // subscriber may have just closed its channel
	select {
	case sub.ch <- msg:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- msg:
	default:
	}
}

// Connection is one active object's handle on the bus, tracking its
// subscriptions so Disconnect can drop them all at shutdown.
type Connection struct {
	bus  *Bus
	id   string
	mu   sync.Mutex
	subs []*Subscription
}

// NewConnection returns a handle named id (the owning active object, for
// diagnostics).
func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

func (c *Connection) Publish(msg *Message) { c.bus.Publish(msg) }

// Subscribe opens a mailbox feed for topic. If a retained message is
// stored for the topic it is delivered immediately.
func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan *Message, c.bus.qLen), conn: c}
	k := topic.key()

	c.bus.mu.Lock()
	c.bus.subs[k] = append(c.bus.subs[k], sub)
	replay := c.bus.retained[k]
	c.bus.mu.Unlock()

	if replay != nil {
		deliver(sub, replay)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

// Unsubscribe closes the feed; pending messages in its channel are lost.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.bus.drop(sub)
	c.mu.Lock()
	c.subs = removeSub(c.subs, sub)
	c.mu.Unlock()
	close(sub.ch)
}

// Disconnect drops every subscription this connection holds.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.drop(sub)
		close(sub.ch)
	}
}

func (b *Bus) drop(sub *Subscription) {
	k := sub.topic.key()
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := removeSub(b.subs[k], sub)
	if len(remaining) == 0 {
		delete(b.subs, k)
	} else {
		b.subs[k] = remaining
	}
}

func removeSub(list []*Subscription, target *Subscription) []*Subscription {
	for i, s := range list {
		if s == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
