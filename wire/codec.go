package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"dc3/errcode"
)

// MaxFrameLen bounds a single length-delimited record, guarding against a
// corrupt length prefix causing an unbounded read.
const MaxFrameLen = 64 * 1024

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeFrame writes a length-delimited envelope followed by zero or one
// length-delimited payload record, per the wire layout. payload may be nil
// when Envelope.PayloadDiscriminator is PayloadNone.
func EncodeFrame(w io.Writer, env Envelope, payload any) error {
	envBytes, err := encMode.Marshal(env)
	if err != nil {
		return &errcode.E{C: errcode.FrameDecodingError, Op: "wire.EncodeFrame", Msg: "marshal envelope", Err: err}
	}
	if err := writeRecord(w, envBytes); err != nil {
		return err
	}

	if env.PayloadDiscriminator == PayloadNone || payload == nil {
		return nil
	}
	payloadBytes, err := encMode.Marshal(payload)
	if err != nil {
		return &errcode.E{C: errcode.FrameDecodingError, Op: "wire.EncodeFrame", Msg: "marshal payload", Err: err}
	}
	return writeRecord(w, payloadBytes)
}

// MarshalPayload encodes a single payload value to its raw CBOR bytes
// without the length-delimited framing, for callers (protocol.Machine)
// that hold raw payload bytes across a transport-independent boundary and
// only need EncodeFrameRaw to lay them on the wire later.
func MarshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	b, err := encMode.Marshal(payload)
	if err != nil {
		return nil, &errcode.E{C: errcode.FrameDecodingError, Op: "wire.MarshalPayload", Err: err}
	}
	return b, nil
}

// EncodeFrameRaw writes an envelope followed by an already-CBOR-encoded
// payload record (or none, if raw is empty), skipping the Marshal step
// EncodeFrame performs. Used when the payload was marshaled earlier and
// carried as bytes across a process boundary (e.g. protocol.Frame).
func EncodeFrameRaw(w io.Writer, env Envelope, raw []byte) error {
	envBytes, err := encMode.Marshal(env)
	if err != nil {
		return &errcode.E{C: errcode.FrameDecodingError, Op: "wire.EncodeFrameRaw", Msg: "marshal envelope", Err: err}
	}
	if err := writeRecord(w, envBytes); err != nil {
		return err
	}
	if env.PayloadDiscriminator == PayloadNone || len(raw) == 0 {
		return nil
	}
	return writeRecord(w, raw)
}

func writeRecord(w io.Writer, b []byte) error {
	if len(b) > MaxFrameLen {
		return &errcode.E{C: errcode.FrameTooLong, Op: "wire.writeRecord", Msg: fmt.Sprintf("record len %d exceeds %d", len(b), MaxFrameLen)}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readRecord(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameLen {
		return nil, &errcode.E{C: errcode.FrameTooLong, Op: "wire.readRecord", Msg: fmt.Sprintf("record len %d exceeds %d", n, MaxFrameLen)}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeFrame reads an envelope and, when present, the raw CBOR bytes of
// its payload record. Use DecodePayload to unmarshal the raw bytes into the
// concrete type indicated by Envelope.PayloadDiscriminator.
func DecodeFrame(r io.Reader) (Envelope, []byte, error) {
	var env Envelope
	envBytes, err := readRecord(r)
	if err != nil {
		return env, nil, err
	}
	if err := decMode.Unmarshal(envBytes, &env); err != nil {
		return env, nil, &errcode.E{C: errcode.FrameDecodingError, Op: "wire.DecodeFrame", Msg: "unmarshal envelope", Err: err}
	}

	if env.PayloadDiscriminator == PayloadNone {
		return env, nil, nil
	}
	payloadBytes, err := readRecord(r)
	if err != nil {
		return env, nil, err
	}
	return env, payloadBytes, nil
}

// DecodePayload unmarshals raw payload bytes obtained from DecodeFrame into
// a concrete payload type, e.g. DecodePayload[I2CDataPayload](raw).
func DecodePayload[T any](raw []byte) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return v, &errcode.E{C: errcode.FrameDecodingError, Op: "wire.DecodePayload", Err: err}
	}
	return v, nil
}
