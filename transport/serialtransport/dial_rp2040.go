//go:build rp2040

package serialtransport

import (
	"io"

	"github.com/jangala-dev/tinygo-uartx/uartx"
)

// defaultDial on the board serves the endpoint over one of the RP2's
// hardware UARTs instead of a host serial device. Config.Device selects
// "uart0" or "uart1"; Config.Baud sets the line rate.
func defaultDial(cfg Config) (io.ReadWriteCloser, error) {
	u := uartx.UART0
	if cfg.Device == "uart1" {
		u = uartx.UART1
	}
	if err := u.Configure(uartx.UARTConfig{BaudRate: uint32(cfg.Baud)}); err != nil {
		return nil, err
	}
	return uartPort{u}, nil
}

// uartPort adapts the UART to the dialer contract; hardware UARTs have no
// close semantics, so Close only exists to satisfy io.ReadWriteCloser.
type uartPort struct {
	u *uartx.UART
}

func (p uartPort) Read(b []byte) (int, error)  { return p.u.Read(b) }
func (p uartPort) Write(b []byte) (int, error) { return p.u.Write(b) }
func (p uartPort) Close() error                { return nil }
