// Package device is the on-device composition root: it constructs the
// bus, the I2C engines, the settings database, the flash manager and the
// protocol machine, registers a handler for every message name, and runs
// the transports as active objects.
package device

import (
	"context"
	"encoding/binary"
	"sync"

	"dc3/bus"
	"dc3/devlog"
	"dc3/flashmgr"
	"dc3/i2cbus"
	"dc3/i2cdev"
	"dc3/protocol"
	"dc3/sysdb"
	"dc3/transport/serialtransport"
	"dc3/transport/udptransport"
	"dc3/x/timex"
)

// Bus addresses of the simulated board's I2C devices.
const (
	addrEEPROM = 0x50
	addrSNROM  = 0x58
	addrEUIROM = 0x59
)

// EEPROM geography: 256 bytes, 64-byte write pages.
const (
	eepromSize = 256
	eepromPage = 64
	romSize    = 32
)

// Config selects which transports the device runs and what the GPIO strap
// group reads as. A nil Serial disables the serial endpoint.
type Config struct {
	UDP    udptransport.Config
	Serial *serialtransport.Config
	Straps byte
}

// Device owns every subsystem of the simulated coupler board.
type Device struct {
	Bus   *bus.Bus
	Log   *devlog.Logger
	DB    *sysdb.DB
	Dev   *i2cdev.Engine
	Flash *flashmgr.Manager

	// SimBus is the software I2C bus backing the EEPROM and ROMs; tests
	// seed it before Run.
	SimBus *i2cbus.SimBus

	machine *protocol.Machine
	ingest  *flashmgr.Ingest
	ram     flashmgr.RAM
	udp     *udptransport.Endpoint
	serial  *serialtransport.Endpoint

	mu sync.Mutex // guards ingest begin/accept across handler goroutines
}

// New wires all subsystems together but does not start anything.
func New(cfg Config) *Device {
	b := bus.NewBus(8)

	sim := i2cbus.NewSimBus()
	sim.AddDevice(addrEEPROM, eepromSize)
	sim.AddDevice(addrSNROM, romSize)
	sim.AddDevice(addrEUIROM, romSize)

	busEngine := i2cbus.NewEngine(sim, i2cbus.Config{})
	dev := i2cdev.NewEngine(busEngine)
	dev.AddDevice(i2cdev.Descriptor{ID: "EEPROM", Address: addrEEPROM, AddrWidth: 8, MaxOffset: eepromSize, PageSize: eepromPage})
	dev.AddDevice(i2cdev.Descriptor{ID: "SNROM", Address: addrSNROM, AddrWidth: 8, MaxOffset: romSize, ReadOnly: true})
	dev.AddDevice(i2cdev.Descriptor{ID: "EUIROM", Address: addrEUIROM, AddrWidth: 8, MaxOffset: romSize, ReadOnly: true})
	// ROM-resident database elements address the same parts under their
	// element names, the one-device-per-ROM model the database expects.
	dev.AddDevice(i2cdev.Descriptor{ID: "serial_number", Address: addrSNROM, AddrWidth: 8, MaxOffset: romSize, ReadOnly: true})
	dev.AddDevice(i2cdev.Descriptor{ID: "mac_address", Address: addrSNROM, AddrWidth: 8, MaxOffset: romSize, ReadOnly: true})

	flash := flashmgr.NewManager(flashmgr.DefaultLayout())

	straps := cfg.Straps
	db := sysdb.NewDB(sysdb.Config{
		EEPROMDeviceID: "EEPROM",
		Device:         dev,
		Flash:          flash,
		GPIO: func(offset, length int) ([]byte, error) {
			out := make([]byte, length)
			if length > 0 {
				out[0] = straps
			}
			return out, nil
		},
	})
	registerElements(db)

	d := &Device{
		Bus:    b,
		Log:    devlog.NewLogger(),
		DB:     db,
		Dev:    dev,
		Flash:  flash,
		SimBus: sim,
		ingest: flashmgr.NewIngest(flash),
		ram:    flashmgr.NewSimRAM(64 * 1024),
	}

	conn := b.NewConnection("protocol")
	d.machine = protocol.NewMachine(conn, 8)
	d.registerHandlers()

	d.udp = udptransport.New(b.NewConnection("udp"), cfg.UDP)
	if cfg.Serial != nil {
		d.serial = serialtransport.New(b.NewConnection("serial"), *cfg.Serial)
		d.Log.SetSink(d.serial)
	}
	return d
}

// registerElements lays out the settings descriptor table: the 256-byte
// EEPROM region (magic word, version, IP address, boot mode, version
// trailers, debug masks), the read-only ROM regions (serial number, MAC),
// the GPIO strap group and the flash-resident application trailer.
func registerElements(db *sysdb.DB) {
	db.AddElement(sysdb.Descriptor{ID: "magic", Location: sysdb.LocationEEPROM, Offset: 0, Length: 4, Class: sysdb.Critical})
	db.AddElement(sysdb.Descriptor{ID: "version", Location: sysdb.LocationEEPROM, Offset: 4, Length: 2, Class: sysdb.Critical})
	db.AddElement(sysdb.Descriptor{ID: "ip_address", Location: sysdb.LocationEEPROM, Offset: 6, Length: 4})
	db.AddElement(sysdb.Descriptor{ID: "boot_mode", Location: sysdb.LocationEEPROM, Offset: 10, Length: 1})
	db.AddElement(sysdb.Descriptor{ID: "boot_version", Location: sysdb.LocationEEPROM, Offset: 11, Length: 16, Class: sysdb.Critical})
	db.AddElement(sysdb.Descriptor{ID: "fpga_version", Location: sysdb.LocationEEPROM, Offset: 27, Length: 16})
	db.AddElement(sysdb.Descriptor{ID: "debug_modules", Location: sysdb.LocationEEPROM, Offset: 43, Length: 4})
	db.AddElement(sysdb.Descriptor{ID: "debug_devices", Location: sysdb.LocationEEPROM, Offset: 47, Length: 4})
	db.AddElement(sysdb.Descriptor{ID: "serial_number", Location: sysdb.LocationSNROM, Offset: 0, Length: 16, ReadOnly: true})
	db.AddElement(sysdb.Descriptor{ID: "mac_address", Location: sysdb.LocationSNROM, Offset: 16, Length: 8, ReadOnly: true})
	db.AddElement(sysdb.Descriptor{ID: "hw_straps", Location: sysdb.LocationGPIO, Offset: 0, Length: 1, ReadOnly: true})
	db.AddElement(sysdb.Descriptor{ID: "app_trailer", Location: sysdb.LocationFlash, Offset: 0, Length: flashmgr.TrailerLen, ReadOnly: true})
}

// Boot validates the settings database, repairing it to defaults when the
// magic word or version mismatch, and loads the persisted debug masks into
// the logger.
func (d *Device) Boot(ctx context.Context) error {
	if err := d.DB.LoadDefaults(); err != nil {
		return err
	}
	if _, err := d.DB.Validate(ctx); err != nil {
		return err
	}
	mods, err := d.DB.Read(ctx, "debug_modules")
	if err != nil {
		return err
	}
	devs, err := d.DB.Read(ctx, "debug_devices")
	if err != nil {
		return err
	}
	d.Log.SetMasks(devlog.Masks{
		Modules: binary.BigEndian.Uint32(mods),
		Devices: binary.BigEndian.Uint32(devs),
	})
	return nil
}

// Run starts the protocol machine and the configured transports, blocking
// until ctx is cancelled.
func (d *Device) Run(ctx context.Context) {
	conn := d.Bus.NewConnection("device")
	conn.Publish(conn.NewMessage(bus.T("device", "state"),
		map[string]any{"state": "running", "since_ms": timex.NowMs()}, true))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.machine.Run(ctx) }()
	go func() { defer wg.Done(); d.udp.Run(ctx) }()
	if d.serial != nil {
		wg.Add(1)
		go func() { defer wg.Done(); d.serial.Run(ctx) }()
	}
	wg.Wait()
}

// Machine exposes the protocol machine, for tests that drive frames
// directly instead of through a transport.
func (d *Device) Machine() *protocol.Machine { return d.machine }
