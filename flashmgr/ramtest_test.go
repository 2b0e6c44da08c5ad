package flashmgr

import "testing"

func TestRunRAMTestHealthy(t *testing.T) {
	res, err := RunRAMTest(NewSimRAM(1024))
	if err != nil {
		t.Fatalf("RunRAMTest: %v", err)
	}
	if res.Failed != RamTestNone || res.Addr != 0 {
		t.Fatalf("healthy RAM reported %+v", res)
	}
}

func TestRunRAMTestDataBusFault(t *testing.T) {
	// Bit 0 stuck low at address zero trips the walking-ones pass.
	res, err := RunRAMTest(NewFaultSimRAM(1024, 0, 0x01))
	if err != nil {
		t.Fatalf("RunRAMTest: %v", err)
	}
	if res.Failed != RamTestDataBus || res.Addr != 0 {
		t.Fatalf("result = %+v, want data-bus failure at 0", res)
	}
}

func TestRunRAMTestAddressBusFault(t *testing.T) {
	// A fault at a power-of-two offset corrupts the one-hot address walk
	// but survives the data-bus pass at address zero.
	res, err := RunRAMTest(NewFaultSimRAM(1024, 256, 0x10))
	if err != nil {
		t.Fatalf("RunRAMTest: %v", err)
	}
	if res.Failed != RamTestAddressBus || res.Addr != 256 {
		t.Fatalf("result = %+v, want address-bus failure at 256", res)
	}
}

func TestRunRAMTestDeviceIntegrityFault(t *testing.T) {
	// A fault off the power-of-two grid is only caught by the full sweep.
	res, err := RunRAMTest(NewFaultSimRAM(1024, 500, 0x10))
	if err != nil {
		t.Fatalf("RunRAMTest: %v", err)
	}
	if res.Failed != RamTestDeviceIntegrity || res.Addr != 500 {
		t.Fatalf("result = %+v, want device-integrity failure at 500", res)
	}
}
