package protocol

import (
	"context"
	"testing"
	"time"

	"dc3/bus"
	"dc3/wire"
)

func TestClientCorrelatesDoneByMessageID(t *testing.T) {
	b := bus.NewBus(8)
	hostConn := b.NewConnection("host")
	devConn := b.NewConnection("device")

	client := NewClient(hostConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	// fake device: echo every Req straight back as a Done with a fixed
	// boot-mode payload, exercising the host's id-based correlation rather
	// than a full device-side Machine.
	devSub := devConn.Subscribe(TopicTX)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-devSub.Channel():
				req, ok := msg.Payload.(Frame)
				if !ok {
					continue
				}
				raw, _ := wire.MarshalPayload(wire.BootModePayload{Mode: wire.Bootloader})
				done := Frame{
					Route: req.Route,
					Env: wire.Envelope{
						Name: req.Env.Name, PayloadDiscriminator: wire.PayloadBootMode,
						MessageID: req.Env.MessageID, Type: wire.TypeDone, Route: req.Route,
					},
					Payload: raw,
				}
				publishFrame(devConn, TopicRX, done)
			}
		}
	}()

	done, err := client.Do(context.Background(), wire.RouteUDPClient, wire.GetBootMode, wire.PayloadNone, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	mode, err := wire.DecodePayload[wire.BootModePayload](done.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mode.Mode != wire.Bootloader {
		t.Fatalf("mode = %v, want Bootloader", mode.Mode)
	}
}

func TestClientWaitTimesOutAndDropsPending(t *testing.T) {
	b := bus.NewBus(8)
	hostConn := b.NewConnection("host")
	client := NewClient(hostConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	callCtx, callCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer callCancel()
	_, err := client.Do(callCtx, wire.RouteUDPClient, wire.RamTest, wire.PayloadNone, nil)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}

	client.mu.Lock()
	n := len(client.pending)
	client.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending table not cleared after timeout, len=%d", n)
	}
}
