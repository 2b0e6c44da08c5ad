package flashmgr

import (
	"hash/crc32"
	"testing"

	"dc3/errcode"
)

// testLayout is a deliberately tiny geography: one 64-byte bootloader
// sector and three 64-byte application sectors, leaving 160 usable
// application bytes once the 32-byte trailer footer is reserved.
func testLayout() Layout {
	return Layout{
		Sectors: []Sector{
			{Base: 0, Size: 64},
			{Base: 64, Size: 64},
			{Base: 128, Size: 64},
			{Base: 192, Size: 64},
		},
		BootRegionBase:  0,
		BootRegionSize:  64,
		AppRegionBase:   64,
		AppRegionSize:   192,
		MaxAppImageSize: 160,
	}
}

func testMeta(img []byte) Metadata {
	var ts [14]byte
	copy(ts[:], "20260801120000")
	return Metadata{
		ImageType:   ImageApplication,
		Size:        uint32(len(img)),
		PacketCount: 1,
		CRC:         crc32.ChecksumIEEE(img),
		Major:       1,
		Minor:       2,
		Timestamp:   ts,
	}
}

func beginAndErase(t *testing.T, in *Ingest, meta Metadata) {
	t.Helper()
	sectors, err := in.Begin(meta)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for range sectors {
		if _, err := in.EraseNext(); err != nil {
			t.Fatalf("EraseNext: %v", err)
		}
	}
}

func packetFor(seq uint32, body []byte) Packet {
	return Packet{Sequence: seq, Body: body, BodyCRC: crc32.ChecksumIEEE(body)}
}

func TestBeginRejectsBadMetadata(t *testing.T) {
	in := NewIngest(NewManager(testLayout()))
	img := []byte{1, 2, 3}

	cases := map[string]func(*Metadata){
		"zero crc":      func(m *Metadata) { m.CRC = 0 },
		"all-ones crc":  func(m *Metadata) { m.CRC = 0xFFFFFFFF },
		"bad timestamp": func(m *Metadata) { m.Timestamp[0] = 'X' },
		"oversized app": func(m *Metadata) { m.Size = 161 },
	}
	for name, mutate := range cases {
		meta := testMeta(img)
		mutate(&meta)
		if _, err := in.Begin(meta); err == nil {
			t.Fatalf("%s: Begin unexpectedly succeeded", name)
		}
		if in.Active() {
			t.Fatalf("%s: ingest left active after rejected Begin", name)
		}
	}
}

func TestBeginRejectsConcurrentStart(t *testing.T) {
	in := NewIngest(NewManager(testLayout()))
	meta := testMeta([]byte{1, 2, 3})

	if _, err := in.Begin(meta); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if _, err := in.Begin(meta); errcode.Of(err) != errcode.IngestInProgress {
		t.Fatalf("second Begin err = %v, want ingest_in_progress", err)
	}
	in.Abort()
	if _, err := in.Begin(meta); err != nil {
		t.Fatalf("Begin after Abort: %v", err)
	}
}

func TestAcceptRejectsOutOfSequencePacket(t *testing.T) {
	in := NewIngest(NewManager(testLayout()))
	img := []byte{1, 2, 3, 4}
	meta := testMeta(img)
	meta.PacketCount = 2
	beginAndErase(t, in, meta)

	err := in.Accept(packetFor(2, img[:2]), false)
	if errcode.Of(err) != errcode.PacketOutOfSequence {
		t.Fatalf("err = %v, want packet_out_of_sequence", err)
	}
	if in.Active() {
		t.Fatal("ingest still active after sequence error")
	}
}

func TestAcceptRejectsBadPacketCRC(t *testing.T) {
	in := NewIngest(NewManager(testLayout()))
	img := []byte{1, 2, 3, 4}
	beginAndErase(t, in, testMeta(img))

	pkt := packetFor(1, img)
	pkt.BodyCRC++
	err := in.Accept(pkt, true)
	if errcode.Of(err) != errcode.ImageCRCMismatch {
		t.Fatalf("err = %v, want image_crc_mismatch for a corrupt packet", err)
	}
	if in.Active() {
		t.Fatal("ingest still active after packet CRC error")
	}
}

func TestAcceptRejectsWholeImageCRCMismatch(t *testing.T) {
	mgr := NewManager(testLayout())
	in := NewIngest(mgr)
	img := []byte{1, 2, 3, 4}
	meta := testMeta(img)
	meta.CRC = meta.CRC ^ 0x5A5A5A5A // valid-looking but wrong for the body
	beginAndErase(t, in, meta)

	err := in.Accept(packetFor(1, img), true)
	if errcode.Of(err) != errcode.ImageCRCMismatch {
		t.Fatalf("err = %v, want image_crc_mismatch", err)
	}
	// The trailer must not have been written: the footer is still erased.
	raw, _ := mgr.ReadTrailerRegion(0, TrailerLen)
	for i, b := range raw {
		if b != 0xFF {
			t.Fatalf("trailer byte %d = %#x after failed ingest, want erased", i, b)
		}
	}
}

func TestIngestSuccessWritesTrailer(t *testing.T) {
	mgr := NewManager(testLayout())
	in := NewIngest(mgr)

	img := make([]byte, 100)
	for i := range img {
		img[i] = byte(i + 1)
	}
	meta := testMeta(img)
	meta.PacketCount = 2
	beginAndErase(t, in, meta)

	if err := in.Accept(packetFor(1, img[:64]), false); err != nil {
		t.Fatalf("packet 1: %v", err)
	}
	if err := in.Accept(packetFor(2, img[64:]), true); err != nil {
		t.Fatalf("packet 2: %v", err)
	}
	if in.Active() {
		t.Fatal("ingest still active after final packet")
	}

	tr, err := mgr.ReadTrailer()
	if err != nil {
		t.Fatalf("ReadTrailer: %v", err)
	}
	if tr.Size != 100 || tr.CRC != meta.CRC || tr.Major != 1 || tr.Minor != 2 || tr.Timestamp != meta.Timestamp {
		t.Fatalf("trailer = %+v", tr)
	}

	body, _ := mgr.ReadRegion(mgr.Layout().AppRegionBase, 100)
	if crc32.ChecksumIEEE(body) != meta.CRC {
		t.Fatal("programmed region CRC does not match the metadata CRC")
	}
}

func TestBootloaderIngestSkipsTrailer(t *testing.T) {
	mgr := NewManager(testLayout())
	in := NewIngest(mgr)

	img := []byte{9, 8, 7, 6}
	meta := testMeta(img)
	meta.ImageType = ImageBootloader
	beginAndErase(t, in, meta)

	if err := in.Accept(packetFor(1, img), true); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	raw, _ := mgr.ReadTrailerRegion(0, TrailerLen)
	for i, b := range raw {
		if b != 0xFF {
			t.Fatalf("trailer byte %d = %#x after bootloader ingest, want untouched", i, b)
		}
	}
	body, _ := mgr.ReadRegion(mgr.Layout().BootRegionBase, 4)
	if body[0] != 9 || body[3] != 6 {
		t.Fatalf("bootloader region = %x", body)
	}
}
