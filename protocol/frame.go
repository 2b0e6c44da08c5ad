// Package protocol implements the Idle/ValidateMsg/BusyWithMsg state
// machine shared by the device and host sides of DC3's request/response
// protocol, wired on top of the bus the way every other active object in
// this module is.
package protocol

import (
	"dc3/bus"
	"dc3/wire"
)

// Frame is one transport-independent unit of protocol traffic: an
// envelope plus its already-encoded (or not-yet-decoded) payload bytes.
// Transports (C7) publish received frames to TopicRX and subscribe to
// TopicTX to learn what to send.
type Frame struct {
	Route   wire.Route
	Env     wire.Envelope
	Payload []byte // raw CBOR payload bytes; nil when Env.PayloadDiscriminator is PayloadNone
}

// TopicRX is where transports publish frames decoded off the wire.
var TopicRX = bus.T("protocol", "rx")

// TopicTX is where the protocol machine publishes frames to be sent; each
// transport subscribes and forwards frames whose Route it owns.
var TopicTX = bus.T("protocol", "tx")

func publishFrame(conn *bus.Connection, topic bus.Topic, f Frame) {
	conn.Publish(conn.NewMessage(topic, f, false))
}
