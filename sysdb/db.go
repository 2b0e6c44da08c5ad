// Package sysdb implements the settings database: a descriptor table of
// named elements, each indirected to EEPROM/SN-ROM/UI-ROM (via i2cdev),
// flash (via flashmgr), or a directly sampled GPIO strap group.
package sysdb

import (
	"context"

	"dc3/errcode"
	"dc3/i2cdev"
)

// MagicWord is the compiled constant validated at offset 0 of the EEPROM
// image on boot.
const MagicWord uint32 = 0xdefec8db

// Version is the compiled settings-layout version validated alongside
// MagicWord.
const Version uint16 = 0x0001

// Location names where an element's bytes physically live.
type Location int

const (
	LocationEEPROM Location = iota
	LocationSNROM
	LocationUIROM
	LocationGPIO
	LocationFlash
)

// Class distinguishes elements whose mismatch against the compiled default
// is corrected automatically (Critical) from those left alone (Cosmetic).
type Class int

const (
	Cosmetic Class = iota
	Critical
)

// Descriptor describes one settings element.
type Descriptor struct {
	ID       string
	Location Location
	Offset   int
	Length   int
	ReadOnly bool
	Class    Class
	Default  []byte
}

// FlashReadWriter is the subset of flashmgr.Manager the database needs for
// flash-resident elements (the image trailer).
type FlashReadWriter interface {
	ReadTrailerRegion(offset, length int) ([]byte, error)
	WriteTrailerRegion(offset int, data []byte) error
}

// GPIOSampler reads a fixed strap group directly, for elements whose
// storage location is GPIO.
type GPIOSampler func(offset, length int) ([]byte, error)

// DB is the settings database: a descriptor table plus the backends each
// location dispatches to.
type DB struct {
	elements map[string]Descriptor
	order    []string

	eepromDeviceID string
	dev            *i2cdev.Engine
	flash          FlashReadWriter
	gpio           GPIOSampler
}

// Config wires the database to its backends. EEPROMDeviceID names the
// i2cdev descriptor (registered separately) the database addresses for
// LocationEEPROM elements; SN-ROM/UI-ROM elements use their own
// Descriptor.ID as the i2cdev device id directly, one i2cdev device per
// ROM-resident element.
type Config struct {
	EEPROMDeviceID string
	Device         *i2cdev.Engine
	Flash          FlashReadWriter
	GPIO           GPIOSampler
}

// NewDB returns an empty database wired to its backends. Register elements
// with AddElement before calling Validate.
func NewDB(cfg Config) *DB {
	return &DB{
		elements:       make(map[string]Descriptor),
		eepromDeviceID: cfg.EEPROMDeviceID,
		dev:            cfg.Device,
		flash:          cfg.Flash,
		gpio:           cfg.GPIO,
	}
}

// AddElement registers a descriptor, preserving registration order for
// Validate's default-image composition.
func (d *DB) AddElement(desc Descriptor) {
	if _, exists := d.elements[desc.ID]; !exists {
		d.order = append(d.order, desc.ID)
	}
	d.elements[desc.ID] = desc
}

func (d *DB) lookup(id string) (Descriptor, error) {
	desc, ok := d.elements[id]
	if !ok {
		return Descriptor{}, &errcode.E{C: errcode.ElementNotFound, Op: "sysdb", Msg: id}
	}
	return desc, nil
}

func (d *DB) deviceIDFor(desc Descriptor) string {
	if desc.Location == LocationEEPROM {
		return d.eepromDeviceID
	}
	return desc.ID
}

// Read returns the current bytes of element id.
func (d *DB) Read(ctx context.Context, id string) ([]byte, error) {
	desc, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	switch desc.Location {
	case LocationEEPROM, LocationSNROM, LocationUIROM:
		return d.dev.ReadMemory(ctx, d.deviceIDFor(desc), desc.Offset, desc.Length)
	case LocationFlash:
		return d.flash.ReadTrailerRegion(desc.Offset, desc.Length)
	case LocationGPIO:
		return d.gpio(desc.Offset, desc.Length)
	default:
		return nil, &errcode.E{C: errcode.ElementNotFound, Op: "sysdb", Msg: "unknown location"}
	}
}

// Write overwrites element id's bytes. Fails for read-only classes
// (SN-ROM, UI-ROM, GPIO, and any flash-resident element) and for elements
// explicitly flagged read-only.
func (d *DB) Write(ctx context.Context, id string, data []byte) error {
	desc, err := d.lookup(id)
	if err != nil {
		return err
	}
	if desc.ReadOnly || desc.Location == LocationSNROM || desc.Location == LocationUIROM ||
		desc.Location == LocationGPIO || desc.Location == LocationFlash {
		return &errcode.E{C: errcode.ElementReadOnly, Op: "sysdb", Msg: id}
	}
	if len(data) != desc.Length {
		return &errcode.E{C: errcode.BufferTooSmall, Op: "sysdb", Msg: id}
	}
	return d.dev.WriteMemory(ctx, d.deviceIDFor(desc), desc.Offset, data)
}

// Validate checks the magic word and version against the compiled
// constants and, if either mismatches, writes the compiled default image
// and re-reads magic and version, failing with MagicMismatch or
// VersionMismatch if they are still wrong. Returns whether the database
// was valid before repair.
func (d *DB) Validate(ctx context.Context) (wasValid bool, err error) {
	_, hasMagic := d.elements["magic"]
	_, hasVersion := d.elements["version"]
	if !hasMagic || !hasVersion {
		return false, &errcode.E{C: errcode.ElementNotFound, Op: "sysdb.Validate", Msg: "magic/version elements not registered"}
	}

	magicBuf, err := d.Read(ctx, "magic")
	if err != nil {
		return false, err
	}
	versionBuf, err := d.Read(ctx, "version")
	if err != nil {
		return false, err
	}

	valid := decodeU32(magicBuf) == MagicWord && decodeU16(versionBuf) == Version
	if valid {
		return true, nil
	}

	if err := d.resetToDefaults(ctx); err != nil {
		return false, err
	}
	if magicBuf, err = d.Read(ctx, "magic"); err != nil {
		return false, err
	}
	if versionBuf, err = d.Read(ctx, "version"); err != nil {
		return false, err
	}
	if decodeU32(magicBuf) != MagicWord {
		return false, &errcode.E{C: errcode.MagicMismatch, Op: "sysdb.Validate", Msg: "magic word wrong after repair"}
	}
	if decodeU16(versionBuf) != Version {
		return false, &errcode.E{C: errcode.VersionMismatch, Op: "sysdb.Validate", Msg: "version wrong after repair"}
	}
	return false, nil
}

// ResetToDefaults writes the compiled default image for every registered
// element, in registration order.
func (d *DB) ResetToDefaults(ctx context.Context) error {
	return d.resetToDefaults(ctx)
}

func (d *DB) resetToDefaults(ctx context.Context) error {
	for _, id := range d.order {
		desc := d.elements[id]
		if desc.Location == LocationSNROM || desc.Location == LocationUIROM ||
			desc.Location == LocationGPIO || desc.Location == LocationFlash {
			continue
		}
		if desc.Default == nil {
			continue
		}
		if err := d.dev.WriteMemory(ctx, d.deviceIDFor(desc), desc.Offset, desc.Default); err != nil {
			return err
		}
	}
	return nil
}

// CheckElement compares a single element's current value against its
// compiled default. Cosmetic mismatches (IP address, debug masks) are
// reported but left uncorrected; Critical mismatches (the bootloader
// version trailer) are reset to default in place.
func (d *DB) CheckElement(ctx context.Context, id string) (matches bool, err error) {
	desc, err := d.lookup(id)
	if err != nil {
		return false, err
	}
	if desc.Default == nil {
		return true, nil
	}
	cur, err := d.Read(ctx, id)
	if err != nil {
		return false, err
	}
	matches = bytesEqual(cur, desc.Default)
	if !matches && desc.Class == Critical && !desc.ReadOnly {
		if err := d.dev.WriteMemory(ctx, d.deviceIDFor(desc), desc.Offset, desc.Default); err != nil {
			return false, err
		}
	}
	return matches, nil
}

func decodeU32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func decodeU16(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
