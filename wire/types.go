// Package wire defines the envelope and payload types exchanged between
// host and device, and codecs to serialize them across a transport.
package wire

// MessageName enumerates the request/response pairs the protocol
// recognises. Zero value is reserved as invalid so a missing field is
// detectable after decode.
type MessageName uint8

const (
	MessageNameInvalid MessageName = iota
	GetBootMode
	SetBootMode
	FlashMetadata
	FlashData
	RamTest
	I2CRead
	I2CWrite
	DatabaseRead
	DatabaseWrite
	DatabaseReset
	GetDebugMasks
	SetDebugMasks
	SetDebugDevice
)

// PayloadDiscriminator identifies the concrete payload type carried by an
// envelope, independent of MessageName (a Done for I2CWrite and a Done for
// I2CRead both carry an I2CData payload, for instance).
type PayloadDiscriminator uint8

const (
	PayloadNone PayloadDiscriminator = iota
	PayloadStatus
	PayloadVersion
	PayloadBootMode
	PayloadFlashMetadata
	PayloadFlashData
	PayloadI2CData
	PayloadDatabase
	PayloadDebug
	PayloadRamTest
)

// MessageType marks an envelope's position in the request/response
// exchange.
type MessageType uint8

const (
	TypeNone MessageType = iota
	TypeReq
	TypeAck
	TypeProg
	TypeDone
)

// Route identifies the logical channel an envelope arrived on or is bound
// for, independent of the physical transport carrying it.
type Route uint8

const (
	RouteNone Route = iota
	RouteSerial
	RouteTCPSystem
	RouteTCPLog
	RouteUDPClient
)

// Envelope is the fixed-order header present on every frame.
type Envelope struct {
	Name               MessageName
	PayloadDiscriminator PayloadDiscriminator
	MessageID          uint32
	Type               MessageType
	ProgressRequested  bool
	Route              Route
}

// BootMode enumerates the device's possible boot targets.
type BootMode uint8

const (
	BootModeNone BootMode = iota
	SystemROM
	Bootloader
	Application
)

// I2CAccess selects which of the three access strategies services a
// request: synchronous call, kernel-mediated async completion, or a
// cooperative task-queue consumer.
type I2CAccess uint8

const (
	AccessBlocking I2CAccess = iota
	AccessNativeEvent
	AccessSecondaryCooperative
)

// I2CDevice identifies which device on the bus a request targets.
type I2CDevice uint8

const (
	DeviceEEPROM I2CDevice = iota
	DeviceSNROM
	DeviceEUIROM
)

// RamTestOutcome identifies which self-test phase failed, if any.
type RamTestOutcome uint8

const (
	RamTestNone RamTestOutcome = iota
	RamTestDataBus
	RamTestAddressBus
	RamTestDeviceIntegrity
)

// Status carries a subsystem error code back to the caller. Zero means
// success.
type Status struct {
	ErrorCode uint16
}

// Version carries a major/minor version plus a fixed-width build timestamp.
type Version struct {
	Major     uint8
	Minor     uint8
	Timestamp [14]byte
}

// BootModePayload reports the current or requested boot mode.
type BootModePayload struct {
	ErrorCode uint16
	Mode      BootMode
}

// FlashMetadataPayload precedes a flash image's packet stream.
type FlashMetadataPayload struct {
	ErrorCode   uint16
	ImageType   uint8
	Size        uint32
	CRC         uint32
	Major       uint8
	Minor       uint8
	Timestamp   [14]byte
	PacketCount uint32
}

// FlashDataPayload carries one sequenced packet of a flash image.
type FlashDataPayload struct {
	Sequence uint32
	Length   uint32
	Body     []byte
	BodyCRC  uint32
}

// I2CDataPayload carries an I2C read result or write request.
type I2CDataPayload struct {
	Device I2CDevice
	Access I2CAccess
	Start  uint32
	Length uint32
	Body   []byte
}

// DatabasePayload carries a settings database element read or write.
type DatabasePayload struct {
	ElementID uint16
	Access    I2CAccess
	Length    uint32
	Body      []byte
}

// DebugPayload carries the module/device trace bitmasks.
type DebugPayload struct {
	ModulesMask uint32
	DevicesMask uint32
}

// RamTestPayload reports the self-test result.
type RamTestPayload struct {
	ErrorCode uint16
	Test      RamTestOutcome
	Addr      uint32
}
