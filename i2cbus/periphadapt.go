package i2cbus

import (
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// PeriphBus adapts a periph.io/x/conn/v3/i2c.Bus to this package's Bus
// interface, so the engine can drive a real Linux/host I2C controller
// through periph's driver registry.
type PeriphBus struct {
	bus   i2c.Bus
	speed physic.Frequency
}

// NewPeriphBus wraps bus, applying speed once at construction. A zero
// speed leaves the controller's current frequency untouched.
func NewPeriphBus(bus i2c.Bus, speed physic.Frequency) (*PeriphBus, error) {
	if speed > 0 {
		if err := bus.SetSpeed(speed); err != nil {
			return nil, err
		}
	}
	return &PeriphBus{bus: bus, speed: speed}, nil
}

// Tx implements Bus by delegating to the underlying periph bus, which
// shares the same (addr uint16, w, r []byte) error shape.
func (p *PeriphBus) Tx(addr uint16, w, r []byte) error {
	return p.bus.Tx(addr, w, r)
}
