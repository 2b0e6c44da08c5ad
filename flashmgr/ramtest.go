package flashmgr

import "dc3/errcode"

// RamTestOutcome names the self-test phase that failed, if any. The
// pattern set is a walking-ones data-bus pattern, a one-hot address-bus
// walk, and a full write/read/invert device-integrity pass, the standard
// triad for exercising stuck-high/stuck-low/shorted address and data
// lines on external RAM.
type RamTestOutcome int

const (
	RamTestNone RamTestOutcome = iota
	RamTestDataBus
	RamTestAddressBus
	RamTestDeviceIntegrity
)

// RamTestResult reports which test failed, if any, and the address at
// which it failed.
type RamTestResult struct {
	Failed RamTestOutcome
	Addr   uint32
}

// RAM is the minimal byte-addressable memory contract the self-test drives;
// satisfied by a real external RAM backend or a software-simulated one.
type RAM interface {
	Size() uint32
	ReadByte(addr uint32) (byte, error)
	WriteByte(addr uint32, v byte) error
}

// RunRAMTest runs the three-phase self-test in order, stopping at the
// first failure. A clean pass returns RamTestResult{Failed: RamTestNone}.
func RunRAMTest(r RAM) (RamTestResult, error) {
	if addr, ok, err := dataBusWalk(r); err != nil {
		return RamTestResult{}, err
	} else if !ok {
		return RamTestResult{Failed: RamTestDataBus, Addr: addr}, nil
	}
	if addr, ok, err := addressBusWalk(r); err != nil {
		return RamTestResult{}, err
	} else if !ok {
		return RamTestResult{Failed: RamTestAddressBus, Addr: addr}, nil
	}
	if addr, ok, err := deviceIntegrityPass(r); err != nil {
		return RamTestResult{}, err
	} else if !ok {
		return RamTestResult{Failed: RamTestDeviceIntegrity, Addr: addr}, nil
	}
	return RamTestResult{Failed: RamTestNone}, nil
}

// dataBusWalk writes a single walking-one bit pattern to address zero and
// reads it back for every bit position, catching data lines stuck high,
// stuck low, or shorted to a neighbour.
func dataBusWalk(r RAM) (addr uint32, ok bool, err error) {
	if r.Size() == 0 {
		return 0, false, &errcode.E{C: errcode.DataBusFailed, Op: "flashmgr.dataBusWalk", Msg: "zero-size RAM"}
	}
	for bit := uint(0); bit < 8; bit++ {
		pattern := byte(1) << bit
		if err := r.WriteByte(0, pattern); err != nil {
			return 0, false, err
		}
		got, err := r.ReadByte(0)
		if err != nil {
			return 0, false, err
		}
		if got != pattern {
			return 0, false, nil
		}
	}
	return 0, true, nil
}

// addressBusWalk writes a distinct byte (0x55 plus its index) at offset 0
// and at every power-of-two offset below the RAM's size, then confirms no
// two addresses alias,
// catching address lines stuck high, stuck low, or shorted together.
func addressBusWalk(r RAM) (addr uint32, ok bool, err error) {
	size := r.Size()
	var offsets []uint32
	for off := uint32(1); off < size; off <<= 1 {
		offsets = append(offsets, off)
	}
	offsets = append(offsets, 0)

	for i, off := range offsets {
		if err := r.WriteByte(off, byte(0x55+i)); err != nil {
			return off, false, err
		}
	}
	for i, off := range offsets {
		got, err := r.ReadByte(off)
		if err != nil {
			return off, false, err
		}
		if got != byte(0x55+i) {
			return off, false, nil
		}
	}
	return 0, true, nil
}

// deviceIntegrityPass sweeps the full address range writing then
// reading-back an inverting pattern, catching cells that fail to hold
// state across the whole device rather than just at power-of-two offsets.
func deviceIntegrityPass(r RAM) (addr uint32, ok bool, err error) {
	size := r.Size()
	for a := uint32(0); a < size; a++ {
		pattern := byte(a)
		if err := r.WriteByte(a, pattern); err != nil {
			return a, false, err
		}
	}
	for a := uint32(0); a < size; a++ {
		got, err := r.ReadByte(a)
		if err != nil {
			return a, false, err
		}
		if got != byte(a) {
			return a, false, nil
		}
		if err := r.WriteByte(a, ^got); err != nil {
			return a, false, err
		}
	}
	for a := uint32(0); a < size; a++ {
		got, err := r.ReadByte(a)
		if err != nil {
			return a, false, err
		}
		if got != byte(^byte(a)) {
			return a, false, nil
		}
	}
	return 0, true, nil
}

// SimRAM is an in-memory RAM backing the self-test for tests and the
// simulated device target.
type SimRAM struct {
	mem []byte
}

// NewSimRAM allocates a zeroed RAM of size n bytes.
func NewSimRAM(n uint32) *SimRAM { return &SimRAM{mem: make([]byte, n)} }

func (s *SimRAM) Size() uint32 { return uint32(len(s.mem)) }

func (s *SimRAM) ReadByte(addr uint32) (byte, error) {
	if addr >= uint32(len(s.mem)) {
		return 0, &errcode.E{C: errcode.OffsetOutOfRange, Op: "flashmgr.SimRAM.ReadByte"}
	}
	return s.mem[addr], nil
}

func (s *SimRAM) WriteByte(addr uint32, v byte) error {
	if addr >= uint32(len(s.mem)) {
		return &errcode.E{C: errcode.OffsetOutOfRange, Op: "flashmgr.SimRAM.WriteByte"}
	}
	s.mem[addr] = v
	return nil
}

// FaultSimRAM wraps a SimRAM and injects a single-byte fault at a chosen
// address, for exercising each RunRAMTest failure path in tests.
type FaultSimRAM struct {
	*SimRAM
	faultAddr uint32
	stuckBit  byte
}

// NewFaultSimRAM returns a RAM whose byte at addr always reads back with
// stuckBit forced low, simulating a stuck-low data or storage fault.
func NewFaultSimRAM(n uint32, addr uint32, stuckBit byte) *FaultSimRAM {
	return &FaultSimRAM{SimRAM: NewSimRAM(n), faultAddr: addr, stuckBit: stuckBit}
}

func (f *FaultSimRAM) ReadByte(addr uint32) (byte, error) {
	v, err := f.SimRAM.ReadByte(addr)
	if err != nil {
		return 0, err
	}
	if addr == f.faultAddr {
		v &^= f.stuckBit
	}
	return v, nil
}
