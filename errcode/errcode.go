package errcode

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK                Code = "ok"
	Busy              Code = "busy"
	Unsupported       Code = "unsupported"
	InvalidParams     Code = "invalid_params"
	InvalidPayload    Code = "invalid_payload"
	UnknownCapability Code = "unknown_capability"
	HALNotReady       Code = "hal_not_ready"
	InvalidTopic      Code = "invalid_topic"

	UnknownBus Code = "unknown_bus"
	BusInUse   Code = "bus_in_use"
	UnknownPin Code = "unknown_pin"
	PinInUse   Code = "pin_in_use"
	Timeout    Code = "timeout"

	// Transport (C7)
	FrameTooLong       Code = "frame_too_long"
	FrameDecodingError Code = "frame_decoding_failed"
	TransportClosed    Code = "transport_closed"

	// Protocol (C6)
	UnknownMessage       Code = "unknown_basic_message"
	DuplicateMessageID   Code = "duplicate_message_id"
	ProgressWhenDisallowed Code = "progress_when_disallowed"

	// I2C bus (C2)
	I2CBusBusy       Code = "bus_busy"
	I2CStartTimeout  Code = "start_timeout"
	I2CAddressNack   Code = "address_nack"
	I2CDataTimeout   Code = "data_timeout"
	I2CDMATimeout    Code = "dma_timeout"
	I2CRecovered     Code = "recovered"

	// I2C device (C3)
	OffsetOutOfRange   Code = "offset_out_of_range"
	DeviceReadOnly     Code = "device_read_only"
	InvalidDevice      Code = "invalid_device"
	PageDecomposeFailed Code = "page_decompose_failed"

	// Flash (C5)
	EraseFailed        Code = "erase_failed"
	ProgramFailed      Code = "program_failed"
	ReadbackMismatch   Code = "readback_mismatch"
	ImageCRCMismatch   Code = "image_crc_mismatch"
	PacketOutOfSequence Code = "packet_out_of_sequence"
	MetadataInvalid    Code = "metadata_invalid"
	ImageSizeInvalid   Code = "image_size_invalid"
	IngestInProgress   Code = "ingest_in_progress"
	FlashBusy          Code = "flash_busy"

	// Settings database (C4)
	MagicMismatch    Code = "magic_mismatch"
	VersionMismatch  Code = "version_mismatch"
	ElementNotFound  Code = "element_not_found"
	ElementReadOnly  Code = "element_read_only"
	BufferTooSmall   Code = "buffer_too_small"

	// RAM test
	DataBusFailed      Code = "data_bus_failed"
	AddressBusFailed   Code = "address_bus_failed"
	DeviceIntegrityFailed Code = "device_integrity_failed"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// MapDriverErr maps low-level driver errors to a Code.
// Extend the heuristics per platform/driver.
func MapDriverErr(err error) Code {
	if err == nil {
		return OK
	}
	return Error
}
