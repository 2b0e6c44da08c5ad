package i2cbus

import (
	"context"
	"testing"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// fakePeriphBus records the speed applied at construction and backs a
// flat 64-byte register file, mimicking how a periph i2c.Bus behaves for
// a register-indexed device.
type fakePeriphBus struct {
	mem   [64]byte
	speed physic.Frequency
}

func (f *fakePeriphBus) String() string { return "fake" }

func (f *fakePeriphBus) SetSpeed(s physic.Frequency) error {
	f.speed = s
	return nil
}

func (f *fakePeriphBus) Tx(addr uint16, w, r []byte) error {
	switch {
	case len(w) > 0 && len(r) == 0:
		copy(f.mem[w[0]:], w[1:])
	case len(w) > 0 && len(r) > 0:
		copy(r, f.mem[w[0]:])
	}
	return nil
}

var _ i2c.Bus = (*fakePeriphBus)(nil)

func TestPeriphBusAppliesSpeedAndRoundTrips(t *testing.T) {
	fake := &fakePeriphBus{}
	pb, err := NewPeriphBus(fake, 400*physic.KiloHertz)
	if err != nil {
		t.Fatalf("NewPeriphBus: %v", err)
	}
	if fake.speed != 400*physic.KiloHertz {
		t.Fatalf("speed not applied: %v", fake.speed)
	}

	eng := NewEngine(pb, Config{})
	if err := eng.WriteMemory(context.Background(), 0x50, 4, 8, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := eng.ReadMemory(context.Background(), 0x50, 4, 8, buf); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if buf[0] != 0xAA || buf[1] != 0xBB {
		t.Fatalf("round-trip: got %x", buf)
	}
}
