package udptransport

import (
	"context"
	"testing"
	"time"

	"dc3/bus"
	"dc3/protocol"
	"dc3/wire"
)

func TestEndpointRoundTrip(t *testing.T) {
	b := bus.NewBus(8)
	aConn := b.NewConnection("a")
	bConn := b.NewConnection("b")

	aPort := 30401
	bPort := 30402
	a := New(aConn, Config{LocalPort: aPort, RemoteIP: "127.0.0.1", RemotePort: bPort})
	bEnd := New(bConn, Config{LocalPort: bPort, RemoteIP: "127.0.0.1", RemotePort: aPort})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go bEnd.Run(ctx)
	time.Sleep(100 * time.Millisecond) // allow both sockets to bind

	rxSub := bConn.Subscribe(protocol.TopicRX)
	defer bConn.Unsubscribe(rxSub)

	f := protocol.Frame{
		Route: wire.RouteUDPClient,
		Env:   wire.Envelope{Name: wire.GetBootMode, Type: wire.TypeReq, MessageID: 5, Route: wire.RouteUDPClient},
	}
	aConn.Publish(aConn.NewMessage(protocol.TopicTX, f, false))

	select {
	case msg := <-rxSub.Channel():
		got, ok := msg.Payload.(protocol.Frame)
		if !ok {
			t.Fatalf("unexpected payload type %T", msg.Payload)
		}
		if got.Env.MessageID != 5 || got.Env.Name != wire.GetBootMode {
			t.Fatalf("got envelope %+v, want MessageID=5 Name=GetBootMode", got.Env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame to cross the loopback socket")
	}
}
