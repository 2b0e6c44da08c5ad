package sysdb

import (
	"context"
	"testing"

	"dc3/i2cbus"
	"dc3/i2cdev"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	sim := i2cbus.NewSimBus()
	sim.AddDevice(0x50, 256)
	bus := i2cbus.NewEngine(sim, i2cbus.EngineDefaults)
	dev := i2cdev.NewEngine(bus)
	dev.AddDevice(i2cdev.Descriptor{ID: "EEPROM", Address: 0x50, AddrWidth: 8, MaxOffset: 256, PageSize: 8})

	db := NewDB(Config{EEPROMDeviceID: "EEPROM", Device: dev})
	db.AddElement(Descriptor{ID: "magic", Location: LocationEEPROM, Offset: 0, Length: 4, Class: Critical})
	db.AddElement(Descriptor{ID: "version", Location: LocationEEPROM, Offset: 4, Length: 2, Class: Critical})
	db.AddElement(Descriptor{ID: "ip_address", Location: LocationEEPROM, Offset: 6, Length: 4, Class: Cosmetic})
	if err := db.LoadDefaults(); err != nil {
		t.Fatalf("LoadDefaults: %v", err)
	}
	return db
}

func TestValidateDetectsBlankEEPROMAndRepairs(t *testing.T) {
	db := newTestDB(t)
	valid, err := db.Validate(context.Background())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if valid {
		t.Fatal("expected invalid on blank EEPROM")
	}

	valid, err = db.Validate(context.Background())
	if err != nil {
		t.Fatalf("Validate after repair: %v", err)
	}
	if !valid {
		t.Fatal("expected valid after repair")
	}
}

func TestWriteThenReadElement(t *testing.T) {
	db := newTestDB(t)
	db.Validate(context.Background())

	want := []byte{10, 0, 0, 1}
	if err := db.Write(context.Background(), "ip_address", want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := db.Read(context.Background(), "ip_address")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range want {
		if got[i] != b {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], b)
		}
	}
}

func TestWriteUnknownElementFails(t *testing.T) {
	db := newTestDB(t)
	if err := db.Write(context.Background(), "nope", []byte{1}); err == nil {
		t.Fatal("expected element-not-found error")
	}
}

func TestCheckElementCosmeticLeftUncorrected(t *testing.T) {
	db := newTestDB(t)
	db.Validate(context.Background())
	db.Write(context.Background(), "ip_address", []byte{1, 2, 3, 4})

	matches, err := db.CheckElement(context.Background(), "ip_address")
	if err != nil {
		t.Fatalf("CheckElement: %v", err)
	}
	if matches {
		t.Fatal("expected mismatch against default")
	}
	got, _ := db.Read(context.Background(), "ip_address")
	if got[0] != 1 {
		t.Fatal("cosmetic mismatch should not be auto-corrected")
	}
}

func TestCheckElementCriticalAutoCorrected(t *testing.T) {
	db := newTestDB(t)
	db.Validate(context.Background())
	db.Write(context.Background(), "version", []byte{9, 9})

	matches, err := db.CheckElement(context.Background(), "version")
	if err != nil {
		t.Fatalf("CheckElement: %v", err)
	}
	if matches {
		t.Fatal("expected mismatch before correction")
	}
	got, _ := db.Read(context.Background(), "version")
	if got[0] != 0 || got[1] != 1 {
		t.Fatalf("critical mismatch not auto-corrected: got %v", got)
	}
}
