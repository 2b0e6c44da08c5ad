//go:build !rp2040

package serialtransport

import (
	"io"

	"github.com/tarm/serial"
)

func defaultDial(cfg Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{Name: cfg.Device, Baud: cfg.Baud})
}
