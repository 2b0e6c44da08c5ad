package i2cbus

import "tinygo.org/x/drivers"

// NewEngineFromTinyGo wraps a TinyGo I2C peripheral in the bus engine.
// drivers.I2C's Tx contract is the one Bus is modeled on, so the adaption
// is direct; the engine's timeout and recovery machinery layers on top of
// whatever the peripheral driver does internally.
func NewEngineFromTinyGo(bus drivers.I2C, cfg Config) *Engine {
	return NewEngine(tinygoBus{bus}, cfg)
}

type tinygoBus struct {
	bus drivers.I2C
}

func (t tinygoBus) Tx(addr uint16, w, r []byte) error {
	return t.bus.Tx(addr, w, r)
}
