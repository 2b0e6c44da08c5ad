// Package flashmgr implements sector-erase planning, byte-level
// program/verify, the application image trailer, and the packet-sequenced
// firmware ingest protocol, backed by a byte-addressable flash image.
package flashmgr

import (
	"dc3/errcode"
	"dc3/x/mathx"
)

// ImageType distinguishes the two regions the planner understands.
type ImageType int

const (
	ImageApplication ImageType = iota
	ImageBootloader
)

// Sector describes one erase unit.
type Sector struct {
	Base uint32
	Size uint32
}

// Trailer occupies the last 32 bytes of the application region: size, CRC,
// major, minor, and a 14-byte build timestamp.
type Trailer struct {
	Size      uint32
	CRC       uint32
	Major     uint8
	Minor     uint8
	Timestamp [14]byte
}

const TrailerLen = 4 + 4 + 1 + 1 + 14 // = 24, packed within the last 32 bytes

// Layout is the flash geography: a fixed sector table covering bootloader
// and application regions, with the trailer occupying the tail of the
// application region.
type Layout struct {
	Sectors         []Sector
	AppRegionBase   uint32
	AppRegionSize   uint32
	BootRegionBase  uint32
	BootRegionSize  uint32
	MaxAppImageSize uint32
}

// DefaultLayout is the board's 24-sector map: a small bootloader region
// followed by a larger application region; the image cap is the 2496 KiB
// application region minus 32 bytes, leaving room for the trailer.
func DefaultLayout() Layout {
	var sectors []Sector
	base := uint32(0)
	sizes := []uint32{
		16 * 1024, 16 * 1024, 16 * 1024, 16 * 1024, 64 * 1024,
		128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024,
		128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024,
		128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024,
		128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024,
	}
	for _, s := range sizes {
		sectors = append(sectors, Sector{Base: base, Size: s})
		base += s
	}
	bootSize := sectors[0].Size + sectors[1].Size + sectors[2].Size + sectors[3].Size
	var total uint32
	for _, s := range sectors {
		total += s.Size
	}
	return Layout{
		Sectors:         sectors,
		BootRegionBase:  0,
		BootRegionSize:  bootSize,
		AppRegionBase:   bootSize,
		AppRegionSize:   total - bootSize,
		MaxAppImageSize: total - bootSize - 32,
	}
}

// PlanSectors returns the ordered sector base addresses covering an image
// of imgType and size, always including the final sector of the
// application region (which holds the trailer) when imgType is
// ImageApplication.
func (l Layout) PlanSectors(imgType ImageType, size uint32) []Sector {
	var regionBase, regionSize uint32
	switch imgType {
	case ImageApplication:
		regionBase, regionSize = l.AppRegionBase, l.AppRegionSize
	case ImageBootloader:
		regionBase, regionSize = l.BootRegionBase, l.BootRegionSize
	}

	var out []Sector
	var covered uint32
	for _, s := range l.Sectors {
		if s.Base < regionBase || s.Base >= regionBase+regionSize {
			continue
		}
		if covered >= size && imgType != ImageApplication {
			break
		}
		out = append(out, s)
		covered += s.Size
		if covered >= size && imgType != ImageApplication {
			break
		}
	}
	return out
}

// Manager owns a flat simulated flash image and the layout describing it.
// Real hardware backends satisfy the same surface by replacing mem with
// register-level erase/program calls; the algorithm above it is identical.
type Manager struct {
	layout Layout
	mem    []byte
}

// NewManager allocates an all-0xFF (erased) flash image sized to layout.
func NewManager(layout Layout) *Manager {
	var total uint32
	for _, s := range layout.Sectors {
		total += s.Size
	}
	mem := make([]byte, total)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &Manager{layout: layout, mem: mem}
}

// Layout returns the manager's sector geography.
func (m *Manager) Layout() Layout { return m.layout }

// EraseSector clears every status flag (implicit in this simulation) and
// fills the sector with 0xFF. A real backend would check a hardware-busy
// flag here and return errcode.FlashBusy.
func (m *Manager) EraseSector(s Sector) error {
	if s.Base+s.Size > uint32(len(m.mem)) {
		return &errcode.E{C: errcode.EraseFailed, Op: "flashmgr.EraseSector"}
	}
	for i := s.Base; i < s.Base+s.Size; i++ {
		m.mem[i] = 0xFF
	}
	return nil
}

// ProgramVerify programs len(data) bytes at addr, reading back and
// verifying each byte. The first mismatch aborts the whole operation.
func (m *Manager) ProgramVerify(addr uint32, data []byte) error {
	if addr+uint32(len(data)) > uint32(len(m.mem)) {
		return &errcode.E{C: errcode.ProgramFailed, Op: "flashmgr.ProgramVerify", Msg: "out of range"}
	}
	for i, b := range data {
		m.mem[addr+uint32(i)] = b
		if m.mem[addr+uint32(i)] != b {
			return &errcode.E{C: errcode.ReadbackMismatch, Op: "flashmgr.ProgramVerify"}
		}
	}
	return nil
}

// ReadRegion returns a copy of length bytes starting at addr, used by the
// ingest state machine to recompute an image's CRC over the programmed
// region once the last packet lands.
func (m *Manager) ReadRegion(addr, length uint32) ([]byte, error) {
	if addr+length > uint32(len(m.mem)) {
		return nil, &errcode.E{C: errcode.OffsetOutOfRange, Op: "flashmgr.ReadRegion"}
	}
	out := make([]byte, length)
	copy(out, m.mem[addr:addr+length])
	return out, nil
}

func (m *Manager) trailerBase() uint32 {
	return m.layout.AppRegionBase + m.layout.AppRegionSize - 32
}

// ReadTrailerRegion reads length bytes at offset within the 32-byte
// trailer footer, satisfying sysdb.FlashReadWriter.
func (m *Manager) ReadTrailerRegion(offset, length int) ([]byte, error) {
	base := m.trailerBase() + uint32(offset)
	if offset < 0 || offset+length > 32 {
		return nil, &errcode.E{C: errcode.OffsetOutOfRange, Op: "flashmgr.ReadTrailerRegion"}
	}
	out := make([]byte, length)
	copy(out, m.mem[base:base+uint32(length)])
	return out, nil
}

// WriteTrailerRegion programs length bytes at offset within the trailer
// footer. Exposed for sysdb.FlashReadWriter even though trailer writes in
// normal operation go through WriteTrailer.
func (m *Manager) WriteTrailerRegion(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > 32 {
		return &errcode.E{C: errcode.OffsetOutOfRange, Op: "flashmgr.WriteTrailerRegion"}
	}
	return m.ProgramVerify(m.trailerBase()+uint32(offset), data)
}

// WriteTrailer programs the full trailer record at the start of the
// 32-byte trailer footer.
func (m *Manager) WriteTrailer(t Trailer) error {
	buf := make([]byte, 0, TrailerLen)
	buf = append(buf, byte(t.Size>>24), byte(t.Size>>16), byte(t.Size>>8), byte(t.Size))
	buf = append(buf, byte(t.CRC>>24), byte(t.CRC>>16), byte(t.CRC>>8), byte(t.CRC))
	buf = append(buf, t.Major, t.Minor)
	buf = append(buf, t.Timestamp[:]...)
	return m.ProgramVerify(m.trailerBase(), buf)
}

// ReadTrailer reads back the full trailer record.
func (m *Manager) ReadTrailer() (Trailer, error) {
	raw, err := m.ReadTrailerRegion(0, TrailerLen)
	if err != nil {
		return Trailer{}, err
	}
	var t Trailer
	t.Size = uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	t.CRC = uint32(raw[4])<<24 | uint32(raw[5])<<16 | uint32(raw[6])<<8 | uint32(raw[7])
	t.Major, t.Minor = raw[8], raw[9]
	copy(t.Timestamp[:], raw[10:24])
	return t, nil
}

// AppRegionWriteBase returns the first byte address of the application
// region, clamped into the application region's address range.
func (m *Manager) AppRegionWriteBase() uint32 {
	return mathx.Clamp(m.layout.AppRegionBase, m.layout.AppRegionBase, m.layout.AppRegionBase+m.layout.AppRegionSize)
}
