package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	env := Envelope{
		Name:                 GetBootMode,
		PayloadDiscriminator: PayloadBootMode,
		MessageID:            42,
		Type:                 TypeDone,
		ProgressRequested:    false,
		Route:                RouteUDPClient,
	}
	payload := BootModePayload{ErrorCode: 0, Mode: Bootloader}

	var buf bytes.Buffer
	if err := EncodeFrame(&buf, env, payload); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	gotEnv, raw, err := DecodeFrame(&buf)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if gotEnv != env {
		t.Fatalf("envelope round-trip mismatch: got %+v, want %+v", gotEnv, env)
	}
	gotPayload, err := DecodePayload[BootModePayload](raw)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if gotPayload != payload {
		t.Fatalf("payload round-trip mismatch: got %+v, want %+v", gotPayload, payload)
	}
}

func TestEncodeFrameNoPayload(t *testing.T) {
	env := Envelope{Name: RamTest, PayloadDiscriminator: PayloadNone, MessageID: 7, Type: TypeReq}
	var buf bytes.Buffer
	if err := EncodeFrame(&buf, env, nil); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	gotEnv, raw, err := DecodeFrame(&buf)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if gotEnv != env {
		t.Fatalf("envelope mismatch: got %+v, want %+v", gotEnv, env)
	}
	if raw != nil {
		t.Fatalf("expected nil payload bytes, got %d bytes", len(raw))
	}
}

func TestDecodeFrameTruncatedErrors(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10}) // claims 10 bytes, supplies none
	if _, _, err := DecodeFrame(&buf); err == nil {
		t.Fatal("expected error decoding truncated frame")
	}
}

func TestMultipleFramesOnStream(t *testing.T) {
	var buf bytes.Buffer
	for i := uint32(0); i < 3; i++ {
		env := Envelope{Name: GetBootMode, PayloadDiscriminator: PayloadNone, MessageID: i, Type: TypeReq}
		if err := EncodeFrame(&buf, env, nil); err != nil {
			t.Fatalf("EncodeFrame %d: %v", i, err)
		}
	}
	for i := uint32(0); i < 3; i++ {
		env, _, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("DecodeFrame %d: %v", i, err)
		}
		if env.MessageID != i {
			t.Fatalf("frame %d: MessageID = %d, want %d", i, env.MessageID, i)
		}
	}
}
