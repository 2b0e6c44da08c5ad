package flashmgr

import (
	"hash/crc32"

	"dc3/errcode"
)

// Metadata precedes a flash image's packet stream.
type Metadata struct {
	ImageType   ImageType
	Size        uint32
	PacketCount uint32
	CRC         uint32
	Major       uint8
	Minor       uint8
	Timestamp   [14]byte
}

// validate checks the metadata before any erase begins: the CRC must
// be neither zero nor all-ones, the timestamp's first byte must be '0' or
// '2' (decade marker), its length is fixed at 14, and an application image
// must not exceed the layout's cap.
func (m Metadata) validate(layout Layout) error {
	if m.CRC == 0 || m.CRC == 0xFFFFFFFF {
		return &errcode.E{C: errcode.MetadataInvalid, Op: "flashmgr.Metadata", Msg: "crc is zero or all-ones"}
	}
	if m.Timestamp[0] != '0' && m.Timestamp[0] != '2' {
		return &errcode.E{C: errcode.MetadataInvalid, Op: "flashmgr.Metadata", Msg: "timestamp decade marker"}
	}
	if m.ImageType == ImageApplication && m.Size > layout.MaxAppImageSize {
		return &errcode.E{C: errcode.ImageSizeInvalid, Op: "flashmgr.Metadata", Msg: "size exceeds application cap"}
	}
	return nil
}

// ingestState names the image-ingest state machine's phases.
type ingestState int

const (
	ingestIdle ingestState = iota
	ingestErasing
	ingestReceiving
	ingestDone
)

// Ingest drives the packet-sequenced image-loading protocol against a
// Manager: receive metadata, erase the planned sectors, stream packets in
// sequence with per-packet CRC and ordering checks, program-verify each,
// and on the last packet recompute and compare the whole-image CRC before
// writing the trailer. Each Ingest value runs one ingest at a time; a second
// Begin on the same value while active is rejected.
type Ingest struct {
	mgr    *Manager
	state  ingestState
	meta   Metadata
	sectors []Sector
	eraseIdx int
	writeBase uint32
	writeCursor uint32
	nextSeq   uint32
	hash      uint32
	active    bool
}

// NewIngest returns an idle ingest bound to mgr.
func NewIngest(mgr *Manager) *Ingest {
	return &Ingest{mgr: mgr}
}

// Active reports whether an ingest is currently in progress.
func (in *Ingest) Active() bool { return in.active }

// Meta returns the metadata of the current (or most recent) ingest.
func (in *Ingest) Meta() Metadata { return in.meta }

// Begin validates metadata and plans the erase sequence. A concurrent
// start while one is already active is rejected.
func (in *Ingest) Begin(meta Metadata) ([]Sector, error) {
	if in.active {
		return nil, &errcode.E{C: errcode.IngestInProgress, Op: "flashmgr.Ingest.Begin"}
	}
	layout := in.mgr.Layout()
	if err := meta.validate(layout); err != nil {
		return nil, err
	}
	sectors := layout.PlanSectors(meta.ImageType, meta.Size)

	var regionBase uint32
	if meta.ImageType == ImageApplication {
		regionBase = layout.AppRegionBase
	} else {
		regionBase = layout.BootRegionBase
	}

	in.active = true
	in.state = ingestErasing
	in.meta = meta
	in.sectors = sectors
	in.eraseIdx = 0
	in.writeBase = regionBase
	in.writeCursor = regionBase
	in.nextSeq = 1
	in.hash = 0
	return sectors, nil
}

// EraseNext erases the next planned sector in order, returning true once
// every planned sector has been erased and the machine has transitioned to
// receiving packets.
func (in *Ingest) EraseNext() (done bool, err error) {
	if in.state != ingestErasing {
		return false, &errcode.E{C: errcode.MetadataInvalid, Op: "flashmgr.Ingest.EraseNext", Msg: "not erasing"}
	}
	if in.eraseIdx >= len(in.sectors) {
		in.state = ingestReceiving
		return true, nil
	}
	s := in.sectors[in.eraseIdx]
	if err := in.mgr.EraseSector(s); err != nil {
		in.abort()
		return false, err
	}
	in.eraseIdx++
	if in.eraseIdx >= len(in.sectors) {
		in.state = ingestReceiving
		return true, nil
	}
	return false, nil
}

// Packet carries one sequenced chunk of the image, matching wire.FlashDataPayload.
type Packet struct {
	Sequence uint32
	Body     []byte
	BodyCRC  uint32
}

// Accept validates and programs one data packet. last must be true exactly
// for the packet whose Sequence equals the metadata's packet count; on that
// packet the whole-image CRC is compared against the metadata and, on
// success, the trailer is written.
func (in *Ingest) Accept(pkt Packet, last bool) error {
	if in.state != ingestReceiving {
		return &errcode.E{C: errcode.MetadataInvalid, Op: "flashmgr.Ingest.Accept", Msg: "not receiving"}
	}
	if crc32.ChecksumIEEE(pkt.Body) != pkt.BodyCRC {
		in.abort()
		return &errcode.E{C: errcode.ImageCRCMismatch, Op: "flashmgr.Ingest.Accept", Msg: "packet crc"}
	}
	if pkt.Sequence != in.nextSeq {
		in.abort()
		return &errcode.E{C: errcode.PacketOutOfSequence, Op: "flashmgr.Ingest.Accept"}
	}
	if err := in.mgr.ProgramVerify(in.writeCursor, pkt.Body); err != nil {
		in.abort()
		return err
	}
	in.hash = crc32.Update(in.hash, crc32.IEEETable, pkt.Body)
	in.writeCursor += uint32(len(pkt.Body))
	in.nextSeq++

	if !last {
		return nil
	}

	if in.nextSeq-1 != in.meta.PacketCount {
		in.abort()
		return &errcode.E{C: errcode.PacketOutOfSequence, Op: "flashmgr.Ingest.Accept", Msg: "packet count"}
	}

	imageLen := in.writeCursor - in.writeBase
	recomputed, err := in.recomputeCRC(in.writeBase, imageLen)
	if err != nil {
		in.abort()
		return err
	}
	if recomputed != in.meta.CRC {
		in.abort()
		return &errcode.E{C: errcode.ImageCRCMismatch, Op: "flashmgr.Ingest.Accept", Msg: "image crc"}
	}

	if in.meta.ImageType == ImageApplication {
		if err := in.mgr.WriteTrailer(Trailer{
			Size:      imageLen,
			CRC:       recomputed,
			Major:     in.meta.Major,
			Minor:     in.meta.Minor,
			Timestamp: in.meta.Timestamp,
		}); err != nil {
			in.abort()
			return err
		}
	}
	in.state = ingestDone
	in.active = false
	return nil
}

func (in *Ingest) recomputeCRC(base, length uint32) (uint32, error) {
	region, err := in.mgr.ReadRegion(base, length)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(region), nil
}

// Abort cancels an in-progress ingest, releasing it for a fresh Begin.
func (in *Ingest) Abort() { in.abort() }

func (in *Ingest) abort() {
	in.active = false
	in.state = ingestIdle
}
