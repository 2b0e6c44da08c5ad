// dc3fw runs the coupler board firmware against simulated hardware: the
// full protocol stack, settings database, I2C and flash subsystems, served
// over a UDP endpoint and optionally a serial device.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"dc3/device"
	"dc3/devlog"
	"dc3/transport/serialtransport"
	"dc3/transport/udptransport"
	"dc3/x/strx"
)

func main() {
	var (
		localPort  = flag.Int("l", 53432, "UDP port to listen on")
		remoteIP   = flag.String("i", "127.0.0.1", "remote (host) IP to send replies to")
		remotePort = flag.Int("p", 53433, "remote (host) UDP port")
		serialDev  = flag.String("s", "", "serial device to serve (empty disables serial)")
		baud       = flag.Int("b", 115200, "serial baud rate")
		straps     = flag.Int("straps", 0, "GPIO strap group value")
	)
	flag.Parse()

	cfg := device.Config{
		UDP: udptransport.Config{
			LocalPort:  *localPort,
			RemoteIP:   strx.Coalesce(*remoteIP, "127.0.0.1"),
			RemotePort: *remotePort,
		},
		Straps: byte(*straps),
	}
	if *serialDev != "" {
		cfg.Serial = &serialtransport.Config{Device: *serialDev, Baud: *baud}
	}

	consoleWrite := func(b []byte) { _, _ = os.Stderr.Write(b) }
	devlog.TraceSlow(consoleWrite, devlog.LevelLog, "main", 0, "dc3fw starting")

	d := device.New(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Boot(ctx); err != nil {
		devlog.TraceSlow(consoleWrite, devlog.LevelError, "main", 0, "boot: "+err.Error())
		os.Exit(1)
	}
	devlog.TraceSlow(consoleWrite, devlog.LevelLog, "main", 0, "settings database validated, starting active objects")

	d.Run(ctx)
}
