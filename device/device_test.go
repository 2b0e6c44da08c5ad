package device

import (
	"context"
	"hash/crc32"
	"testing"
	"time"

	"dc3/flashmgr"
	"dc3/protocol"
	"dc3/sysdb"
	"dc3/transport/udptransport"
	"dc3/wire"
)

type rig struct {
	d    *Device
	tx   <-chan protocol.Frame
	send func(name wire.MessageName, id uint32, disc wire.PayloadDiscriminator, payload any)
}

func newRig(t *testing.T) *rig {
	t.Helper()
	d := New(Config{UDP: udptransport.Config{LocalPort: 0}})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	go d.Machine().Run(ctx)

	conn := d.Bus.NewConnection("test")
	sub := conn.Subscribe(protocol.TopicTX)
	frames := make(chan protocol.Frame, 64)
	go func() {
		for msg := range sub.Channel() {
			if f, ok := msg.Payload.(protocol.Frame); ok {
				frames <- f
			}
		}
	}()

	send := func(name wire.MessageName, id uint32, disc wire.PayloadDiscriminator, payload any) {
		raw, err := wire.MarshalPayload(payload)
		if err != nil {
			t.Fatalf("MarshalPayload: %v", err)
		}
		env := wire.Envelope{
			Name:                 name,
			PayloadDiscriminator: disc,
			MessageID:            id,
			Type:                 wire.TypeReq,
			Route:                wire.RouteUDPClient,
		}
		f := protocol.Frame{Route: wire.RouteUDPClient, Env: env, Payload: raw}
		conn.Publish(conn.NewMessage(protocol.TopicRX, f, false))
	}
	return &rig{d: d, tx: frames, send: send}
}

func (r *rig) recv(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-r.tx:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

// ackThenDone asserts the transaction's frame pairing: exactly one Ack
// followed by exactly one Done, both echoing the request id.
func (r *rig) ackThenDone(t *testing.T, id uint32) protocol.Frame {
	t.Helper()
	ack := r.recv(t)
	if ack.Env.Type != wire.TypeAck || ack.Env.MessageID != id {
		t.Fatalf("expected Ack id=%d, got type=%d id=%d", id, ack.Env.Type, ack.Env.MessageID)
	}
	done := r.recv(t)
	if done.Env.Type != wire.TypeDone || done.Env.MessageID != id {
		t.Fatalf("expected Done id=%d, got type=%d id=%d", id, done.Env.Type, done.Env.MessageID)
	}
	return done
}

func doneStatus(t *testing.T, f protocol.Frame) uint16 {
	t.Helper()
	st, err := wire.DecodePayload[wire.Status](f.Payload)
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st.ErrorCode
}

func TestBootModeRoundTrip(t *testing.T) {
	r := newRig(t)

	r.send(wire.GetBootMode, 42, wire.PayloadNone, nil)
	done := r.ackThenDone(t, 42)
	p, err := wire.DecodePayload[wire.BootModePayload](done.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Mode != wire.Application {
		t.Fatalf("default boot mode: got %d, want Application", p.Mode)
	}

	r.send(wire.SetBootMode, 43, wire.PayloadBootMode, wire.BootModePayload{Mode: wire.Bootloader})
	r.ackThenDone(t, 43)

	r.send(wire.GetBootMode, 44, wire.PayloadNone, nil)
	done = r.ackThenDone(t, 44)
	p, _ = wire.DecodePayload[wire.BootModePayload](done.Payload)
	if p.Mode != wire.Bootloader {
		t.Fatalf("boot mode after set: got %d, want Bootloader", p.Mode)
	}
}

func TestI2CReadReturnsSeededBytes(t *testing.T) {
	r := newRig(t)
	// Program the EEPROM head directly through the simulated bus.
	if err := r.d.SimBus.Tx(addrEEPROM, []byte{0x00, 0xDE, 0xAD, 0xBE, 0xEF}, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := wire.I2CDataPayload{Device: wire.DeviceEEPROM, Access: wire.AccessNativeEvent, Start: 0, Length: 4}
	r.send(wire.I2CRead, 1, wire.PayloadI2CData, req)
	done := r.ackThenDone(t, 1)
	p, err := wire.DecodePayload[wire.I2CDataPayload](done.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if string(p.Body) != string(want) {
		t.Fatalf("body: got %x, want %x", p.Body, want)
	}
}

func TestI2CWriteCrossingPageBoundary(t *testing.T) {
	r := newRig(t)

	req := wire.I2CDataPayload{
		Device: wire.DeviceEEPROM,
		Access: wire.AccessSecondaryCooperative,
		Start:  126,
		Length: 4,
		Body:   []byte{0x01, 0x02, 0x03, 0x04},
	}
	r.send(wire.I2CWrite, 2, wire.PayloadI2CData, req)
	done := r.ackThenDone(t, 2)
	if code := doneStatus(t, done); code != 0 {
		t.Fatalf("write failed with status %d", code)
	}

	read := wire.I2CDataPayload{Device: wire.DeviceEEPROM, Access: wire.AccessBlocking, Start: 126, Length: 4}
	r.send(wire.I2CRead, 3, wire.PayloadI2CData, read)
	done = r.ackThenDone(t, 3)
	p, _ := wire.DecodePayload[wire.I2CDataPayload](done.Payload)
	if string(p.Body) != "\x01\x02\x03\x04" {
		t.Fatalf("read-back: got %x", p.Body)
	}
}

func TestI2CWriteToROMIsRejected(t *testing.T) {
	r := newRig(t)
	req := wire.I2CDataPayload{Device: wire.DeviceSNROM, Access: wire.AccessBlocking, Start: 0, Length: 1, Body: []byte{1}}
	r.send(wire.I2CWrite, 4, wire.PayloadI2CData, req)
	done := r.ackThenDone(t, 4)
	if code := doneStatus(t, done); code == 0 {
		t.Fatal("write to read-only device unexpectedly succeeded")
	}
}

func TestFlashIngestWritesTrailer(t *testing.T) {
	r := newRig(t)

	img := make([]byte, 2048+3) // two full packets plus a short tail
	for i := range img {
		img[i] = byte(i * 7)
	}
	const chunk = 1024
	packetCount := uint32((len(img) + chunk - 1) / chunk)

	var ts [14]byte
	copy(ts[:], "20260801120000")
	meta := wire.FlashMetadataPayload{
		ImageType:   uint8(flashmgr.ImageApplication),
		Size:        uint32(len(img)),
		CRC:         crc32.ChecksumIEEE(img),
		Major:       2,
		Minor:       1,
		Timestamp:   ts,
		PacketCount: packetCount,
	}
	r.send(wire.FlashMetadata, 10, wire.PayloadFlashMetadata, meta)
	done := r.ackThenDone(t, 10)
	if code := doneStatus(t, done); code != 0 {
		t.Fatalf("metadata rejected with status %d", code)
	}

	for seq := uint32(1); seq <= packetCount; seq++ {
		lo := int(seq-1) * chunk
		hi := lo + chunk
		if hi > len(img) {
			hi = len(img)
		}
		body := img[lo:hi]
		pkt := wire.FlashDataPayload{Sequence: seq, Length: uint32(len(body)), Body: body, BodyCRC: crc32.ChecksumIEEE(body)}
		r.send(wire.FlashData, 10+seq, wire.PayloadFlashData, pkt)
		done := r.ackThenDone(t, 10+seq)
		if code := doneStatus(t, done); code != 0 {
			t.Fatalf("packet %d rejected with status %d", seq, code)
		}
	}

	tr, err := r.d.Flash.ReadTrailer()
	if err != nil {
		t.Fatalf("ReadTrailer: %v", err)
	}
	if tr.Size != uint32(len(img)) || tr.CRC != meta.CRC || tr.Major != 2 || tr.Minor != 1 || tr.Timestamp != ts {
		t.Fatalf("trailer mismatch: %+v", tr)
	}
}

func TestFlashMetadataRejectsOversizedImage(t *testing.T) {
	r := newRig(t)
	layout := r.d.Flash.Layout()

	var ts [14]byte
	copy(ts[:], "20260801120000")
	meta := wire.FlashMetadataPayload{
		ImageType:   uint8(flashmgr.ImageApplication),
		Size:        layout.MaxAppImageSize + 1,
		CRC:         0x1234,
		Timestamp:   ts,
		PacketCount: 1,
	}
	r.send(wire.FlashMetadata, 20, wire.PayloadFlashMetadata, meta)
	done := r.ackThenDone(t, 20)
	if code := doneStatus(t, done); code == 0 {
		t.Fatal("oversized image unexpectedly accepted")
	}
}

func TestRamTestHealthy(t *testing.T) {
	r := newRig(t)
	r.send(wire.RamTest, 30, wire.PayloadNone, nil)
	done := r.ackThenDone(t, 30)
	p, err := wire.DecodePayload[wire.RamTestPayload](done.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ErrorCode != 0 || p.Test != wire.RamTestNone || p.Addr != 0 {
		t.Fatalf("healthy RAM reported %+v", p)
	}
}

func TestDatabaseReadAndReset(t *testing.T) {
	r := newRig(t)

	// Scribble over the IP address, then reset and confirm defaults return.
	ctx := context.Background()
	if err := r.d.DB.Write(ctx, "ip_address", []byte{10, 0, 0, 1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	r.send(wire.DatabaseReset, 40, wire.PayloadNone, nil)
	done := r.ackThenDone(t, 40)
	if code := doneStatus(t, done); code != 0 {
		t.Fatalf("reset failed with status %d", code)
	}

	req := wire.DatabasePayload{ElementID: mustElemID(t, "ip_address")}
	r.send(wire.DatabaseRead, 41, wire.PayloadDatabase, req)
	done = r.ackThenDone(t, 41)
	p, err := wire.DecodePayload[wire.DatabasePayload](done.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(p.Body) != "\x00\x00\x00\x00" {
		t.Fatalf("ip_address after reset: got %x", p.Body)
	}
}

func TestDebugMaskRoundTrip(t *testing.T) {
	r := newRig(t)

	r.send(wire.SetDebugMasks, 50, wire.PayloadDebug, wire.DebugPayload{ModulesMask: 0x0000000F})
	r.ackThenDone(t, 50)
	r.send(wire.SetDebugDevice, 51, wire.PayloadDebug, wire.DebugPayload{DevicesMask: 0x00000003})
	r.ackThenDone(t, 51)

	r.send(wire.GetDebugMasks, 52, wire.PayloadNone, nil)
	done := r.ackThenDone(t, 52)
	p, err := wire.DecodePayload[wire.DebugPayload](done.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ModulesMask != 0x0F || p.DevicesMask != 0x03 {
		t.Fatalf("masks: got %+v", p)
	}

	// The masks also land in the persisted elements.
	mods, err := r.d.DB.Read(context.Background(), "debug_modules")
	if err != nil {
		t.Fatalf("read element: %v", err)
	}
	if string(mods) != "\x00\x00\x00\x0F" {
		t.Fatalf("persisted module mask: got %x", mods)
	}
}

func TestUnknownMessageYieldsErrorDone(t *testing.T) {
	r := newRig(t)
	r.send(wire.MessageName(200), 60, wire.PayloadNone, nil)
	done := r.ackThenDone(t, 60)
	if code := doneStatus(t, done); code == 0 {
		t.Fatal("unknown message unexpectedly succeeded")
	}
}

func mustElemID(t *testing.T, name string) uint16 {
	t.Helper()
	id, ok := sysdb.ElementID(name)
	if !ok {
		t.Fatalf("unknown element %q", name)
	}
	return id
}
