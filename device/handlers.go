package device

import (
	"context"
	"encoding/binary"

	"dc3/errcode"
	"dc3/flashmgr"
	"dc3/i2cdev"
	"dc3/message"
	"dc3/protocol"
	"dc3/sysdb"
	"dc3/wire"
)

func (d *Device) registerHandlers() {
	m := d.machine
	m.Handle(wire.GetBootMode, d.handleGetBootMode)
	m.Handle(wire.SetBootMode, d.handleSetBootMode)
	m.Handle(wire.FlashMetadata, d.handleFlashMetadata)
	m.Handle(wire.FlashData, d.handleFlashData)
	m.Handle(wire.RamTest, d.handleRamTest)
	m.Handle(wire.I2CRead, d.handleI2CRead)
	m.Handle(wire.I2CWrite, d.handleI2CWrite)
	m.Handle(wire.DatabaseRead, d.handleDatabaseRead)
	m.Handle(wire.DatabaseWrite, d.handleDatabaseWrite)
	m.Handle(wire.DatabaseReset, d.handleDatabaseReset)
	m.Handle(wire.GetDebugMasks, d.handleGetDebugMasks)
	m.Handle(wire.SetDebugMasks, d.handleSetDebugMasks)
	m.Handle(wire.SetDebugDevice, d.handleSetDebugDevice)
}

func (d *Device) handleGetBootMode(ctx context.Context, _ wire.Envelope, _ []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	buf, err := d.DB.Read(ctx, "boot_mode")
	if err != nil {
		return 0, nil, err
	}
	return wire.PayloadBootMode, wire.BootModePayload{Mode: wire.BootMode(buf[0])}, nil
}

func (d *Device) handleSetBootMode(ctx context.Context, _ wire.Envelope, payload []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	req, err := wire.DecodePayload[wire.BootModePayload](payload)
	if err != nil {
		return 0, nil, err
	}
	switch req.Mode {
	case wire.Bootloader, wire.Application:
	default:
		return 0, nil, &errcode.E{C: errcode.InvalidParams, Op: "device.SetBootMode", Msg: "mode must be Bootloader or Application"}
	}
	if err := d.DB.Write(ctx, "boot_mode", []byte{byte(req.Mode)}); err != nil {
		return 0, nil, err
	}
	return wire.PayloadBootMode, wire.BootModePayload{Mode: req.Mode}, nil
}

// handleFlashMetadata begins an image ingest: validate the metadata, plan
// the sector list, and erase every planned sector before returning Done so
// the host knows the device is ready for data packets. Progress reports
// one Prog per erased sector when the request asked for it.
func (d *Device) handleFlashMetadata(_ context.Context, _ wire.Envelope, payload []byte, progress protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	req, err := wire.DecodePayload[wire.FlashMetadataPayload](payload)
	if err != nil {
		return 0, nil, err
	}
	meta := flashmgr.Metadata{
		ImageType:   flashmgr.ImageType(req.ImageType),
		Size:        req.Size,
		PacketCount: req.PacketCount,
		CRC:         req.CRC,
		Major:       req.Major,
		Minor:       req.Minor,
		Timestamp:   req.Timestamp,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sectors, err := d.ingest.Begin(meta)
	if err != nil {
		return 0, nil, err
	}
	for range sectors {
		if _, err := d.ingest.EraseNext(); err != nil {
			return 0, nil, err
		}
		progress(wire.PayloadStatus, wire.Status{})
	}
	return wire.PayloadStatus, wire.Status{}, nil
}

func (d *Device) handleFlashData(_ context.Context, _ wire.Envelope, payload []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	req, err := wire.DecodePayload[wire.FlashDataPayload](payload)
	if err != nil {
		return 0, nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pkt := flashmgr.Packet{Sequence: req.Sequence, Body: req.Body, BodyCRC: req.BodyCRC}
	last := req.Sequence == d.ingest.Meta().PacketCount
	if err := d.ingest.Accept(pkt, last); err != nil {
		return 0, nil, err
	}
	return wire.PayloadStatus, wire.Status{}, nil
}

func (d *Device) handleRamTest(_ context.Context, _ wire.Envelope, _ []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	res, err := flashmgr.RunRAMTest(d.ram)
	if err != nil {
		return 0, nil, err
	}
	out := wire.RamTestPayload{Test: wire.RamTestOutcome(res.Failed), Addr: res.Addr}
	switch res.Failed {
	case flashmgr.RamTestDataBus:
		out.ErrorCode = protocol.StatusCode(errcode.DataBusFailed)
	case flashmgr.RamTestAddressBus:
		out.ErrorCode = protocol.StatusCode(errcode.AddressBusFailed)
	case flashmgr.RamTestDeviceIntegrity:
		out.ErrorCode = protocol.StatusCode(errcode.DeviceIntegrityFailed)
	}
	return wire.PayloadRamTest, out, nil
}

func i2cDeviceName(dev wire.I2CDevice) (string, error) {
	switch dev {
	case wire.DeviceEEPROM:
		return "EEPROM", nil
	case wire.DeviceSNROM:
		return "SNROM", nil
	case wire.DeviceEUIROM:
		return "EUIROM", nil
	default:
		return "", &errcode.E{C: errcode.InvalidDevice, Op: "device"}
	}
}

func accessMode(a wire.I2CAccess) i2cdev.AccessMode {
	switch a {
	case wire.AccessNativeEvent:
		return i2cdev.AccessNativeEvent
	case wire.AccessSecondaryCooperative:
		return i2cdev.AccessSecondaryCooperative
	default:
		return i2cdev.AccessBlocking
	}
}

// i2cOp routes a protocol-level I2C request through the device engine
// under the access mode the request named: blocking runs inline, a
// native-event request completes as a pooled envelope in a mailbox, and a
// cooperative request completes as a raw Result on a dedicated queue.
func (d *Device) i2cOp(ctx context.Context, op string, p wire.I2CDataPayload) ([]byte, error) {
	id, err := i2cDeviceName(p.Device)
	if err != nil {
		return nil, err
	}
	mode := accessMode(p.Access)

	data := p.Body
	if op == "read" {
		data = make([]byte, p.Length)
	}

	switch mode {
	case i2cdev.AccessBlocking:
		if op == "read" {
			return d.Dev.ReadMemory(ctx, id, int(p.Start), int(p.Length))
		}
		return nil, d.Dev.WriteMemory(ctx, id, int(p.Start), data)

	case i2cdev.AccessNativeEvent:
		mailbox := make(chan *message.Envelope, 1)
		if err := d.Dev.Request(ctx, mode, "protocol", op, id, int(p.Start), data, mailbox, nil); err != nil {
			return nil, err
		}
		select {
		case env := <-mailbox:
			r := env.Payload.(i2cdev.Result)
			env.Release()
			return r.Data, r.Err
		case <-ctx.Done():
			return nil, errcode.Timeout
		}

	default: // AccessSecondaryCooperative
		queue := make(chan i2cdev.Result, 1)
		if err := d.Dev.Request(ctx, mode, "protocol", op, id, int(p.Start), data, nil, queue); err != nil {
			return nil, err
		}
		select {
		case r := <-queue:
			return r.Data, r.Err
		case <-ctx.Done():
			return nil, errcode.Timeout
		}
	}
}

func (d *Device) handleI2CRead(ctx context.Context, _ wire.Envelope, payload []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	req, err := wire.DecodePayload[wire.I2CDataPayload](payload)
	if err != nil {
		return 0, nil, err
	}
	body, err := d.i2cOp(ctx, "read", req)
	if err != nil {
		return 0, nil, err
	}
	req.Body = body
	req.Length = uint32(len(body))
	return wire.PayloadI2CData, req, nil
}

func (d *Device) handleI2CWrite(ctx context.Context, _ wire.Envelope, payload []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	req, err := wire.DecodePayload[wire.I2CDataPayload](payload)
	if err != nil {
		return 0, nil, err
	}
	if _, err := d.i2cOp(ctx, "write", req); err != nil {
		return 0, nil, err
	}
	return wire.PayloadStatus, wire.Status{}, nil
}

func (d *Device) handleDatabaseRead(ctx context.Context, _ wire.Envelope, payload []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	req, err := wire.DecodePayload[wire.DatabasePayload](payload)
	if err != nil {
		return 0, nil, err
	}
	name, ok := sysdb.ElementName(req.ElementID)
	if !ok {
		return 0, nil, &errcode.E{C: errcode.ElementNotFound, Op: "device.DatabaseRead"}
	}
	body, err := d.DB.Read(ctx, name)
	if err != nil {
		return 0, nil, err
	}
	req.Body = body
	req.Length = uint32(len(body))
	return wire.PayloadDatabase, req, nil
}

func (d *Device) handleDatabaseWrite(ctx context.Context, _ wire.Envelope, payload []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	req, err := wire.DecodePayload[wire.DatabasePayload](payload)
	if err != nil {
		return 0, nil, err
	}
	name, ok := sysdb.ElementName(req.ElementID)
	if !ok {
		return 0, nil, &errcode.E{C: errcode.ElementNotFound, Op: "device.DatabaseWrite"}
	}
	if err := d.DB.Write(ctx, name, req.Body); err != nil {
		return 0, nil, err
	}
	return wire.PayloadStatus, wire.Status{}, nil
}

func (d *Device) handleDatabaseReset(ctx context.Context, _ wire.Envelope, _ []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	if err := d.DB.ResetToDefaults(ctx); err != nil {
		return 0, nil, err
	}
	return wire.PayloadStatus, wire.Status{}, nil
}

func (d *Device) handleGetDebugMasks(_ context.Context, _ wire.Envelope, _ []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	m := d.Log.Masks()
	return wire.PayloadDebug, wire.DebugPayload{ModulesMask: m.Modules, DevicesMask: m.Devices}, nil
}

// handleSetDebugMasks applies the module mask and persists it; the device
// mask travels through SetDebugDevice instead.
func (d *Device) handleSetDebugMasks(ctx context.Context, _ wire.Envelope, payload []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	req, err := wire.DecodePayload[wire.DebugPayload](payload)
	if err != nil {
		return 0, nil, err
	}
	m := d.Log.Masks()
	m.Modules = req.ModulesMask
	d.Log.SetMasks(m)
	if err := d.persistMask(ctx, "debug_modules", m.Modules); err != nil {
		return 0, nil, err
	}
	return wire.PayloadStatus, wire.Status{}, nil
}

func (d *Device) handleSetDebugDevice(ctx context.Context, _ wire.Envelope, payload []byte, _ protocol.Progress) (wire.PayloadDiscriminator, any, error) {
	req, err := wire.DecodePayload[wire.DebugPayload](payload)
	if err != nil {
		return 0, nil, err
	}
	m := d.Log.Masks()
	m.Devices = req.DevicesMask
	d.Log.SetMasks(m)
	if err := d.persistMask(ctx, "debug_devices", m.Devices); err != nil {
		return 0, nil, err
	}
	return wire.PayloadStatus, wire.Status{}, nil
}

func (d *Device) persistMask(ctx context.Context, element string, mask uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], mask)
	return d.DB.Write(ctx, element, buf[:])
}
