package protocol

import (
	"context"
	"errors"

	"dc3/errcode"
)

// numericStatus assigns the wire's 16-bit Status.ErrorCode to an
// errcode.Code, grouped by subsystem. 0 is reserved for success.
var numericStatus = map[errcode.Code]uint16{
	errcode.OK: 0,

	errcode.FrameTooLong:       1,
	errcode.FrameDecodingError: 2,
	errcode.TransportClosed:    3,

	errcode.UnknownMessage:         10,
	errcode.DuplicateMessageID:     11,
	errcode.Timeout:                12,
	errcode.ProgressWhenDisallowed: 13,
	errcode.Busy:                   14,

	errcode.I2CBusBusy:      20,
	errcode.I2CStartTimeout: 21,
	errcode.I2CAddressNack:  22,
	errcode.I2CDataTimeout:  23,
	errcode.I2CDMATimeout:   24,
	errcode.I2CRecovered:    25,

	errcode.OffsetOutOfRange:    30,
	errcode.DeviceReadOnly:      31,
	errcode.InvalidDevice:       32,
	errcode.PageDecomposeFailed: 33,

	errcode.EraseFailed:         40,
	errcode.ProgramFailed:       41,
	errcode.ReadbackMismatch:    42,
	errcode.ImageCRCMismatch:    43,
	errcode.PacketOutOfSequence: 44,
	errcode.MetadataInvalid:     45,
	errcode.ImageSizeInvalid:    46,
	errcode.IngestInProgress:    47,
	errcode.FlashBusy:           48,

	errcode.MagicMismatch:   50,
	errcode.VersionMismatch: 51,
	errcode.ElementNotFound: 52,
	errcode.ElementReadOnly: 53,
	errcode.BufferTooSmall:  54,

	errcode.DataBusFailed:         60,
	errcode.AddressBusFailed:      61,
	errcode.DeviceIntegrityFailed: 62,
}

// StatusCode returns the numeric wire status for an error, falling back to
// a generic non-zero code for anything not in the table. A nil error maps
// to 0; an expired context deadline maps to the Timeout status.
func StatusCode(err error) uint16 {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return numericStatus[errcode.Timeout]
	}
	code := errcode.Of(err)
	if n, ok := numericStatus[code]; ok {
		return n
	}
	return 0xFFFF
}
