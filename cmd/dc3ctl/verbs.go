package main

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"strings"
	"time"

	"dc3/errcode"
	"dc3/protocol"
	"dc3/sysdb"
	"dc3/wire"
	"dc3/x/strconvx"
)

// flashChunkSize is how many image bytes each FlashData packet carries.
const flashChunkSize = 1024

func runVerb(ctx context.Context, c *protocol.Client, route wire.Route, verb string, kv map[string]string) error {
	switch verb {
	case "get_mode":
		return getMode(ctx, c, route)
	case "set_mode":
		return setMode(ctx, c, route, kv)
	case "flash":
		return flashImage(ctx, c, route, kv)
	case "ram_test":
		return ramTest(ctx, c, route)
	case "read_i2c":
		return readI2C(ctx, c, route, kv)
	case "write_i2c":
		return writeI2C(ctx, c, route, kv)
	case "get_dbg_modules":
		return getDebugMasks(ctx, c, route)
	case "set_dbg_modules":
		return setDebugMask(ctx, c, route, kv, wire.SetDebugMasks, "modules")
	case "set_dbg_device":
		return setDebugMask(ctx, c, route, kv, wire.SetDebugDevice, "devices")
	case "get_db_elem":
		return getDBElem(ctx, c, route, kv)
	case "reset_db":
		return resetDB(ctx, c, route)
	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}

// checkDone surfaces a non-success Done: a status payload's numeric code is
// printed alongside the verb name and turned into a non-zero exit.
func checkDone(verb string, f protocol.Frame) error {
	if f.Env.PayloadDiscriminator != wire.PayloadStatus {
		return nil
	}
	code, err := protocol.DoneStatus(f)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s failed with status %d", verb, code)
	}
	return nil
}

func getMode(ctx context.Context, c *protocol.Client, route wire.Route) error {
	f, err := c.Do(ctx, route, wire.GetBootMode, wire.PayloadNone, nil)
	if err != nil {
		return err
	}
	if err := checkDone("get_mode", f); err != nil {
		return err
	}
	p, err := wire.DecodePayload[wire.BootModePayload](f.Payload)
	if err != nil {
		return err
	}
	fmt.Println(bootModeName(p.Mode))
	return nil
}

func setMode(ctx context.Context, c *protocol.Client, route wire.Route, kv map[string]string) error {
	mode, err := parseBootMode(kv["mode"])
	if err != nil {
		return err
	}
	f, err := c.Do(ctx, route, wire.SetBootMode, wire.PayloadBootMode, wire.BootModePayload{Mode: mode})
	if err != nil {
		return err
	}
	return checkDone("set_mode", f)
}

func flashImage(ctx context.Context, c *protocol.Client, route wire.Route, kv map[string]string) error {
	if kv["type"] != "Application" && kv["type"] != "Bootloader" {
		return fmt.Errorf("type must be Application or Bootloader")
	}
	img, err := os.ReadFile(kv["file"])
	if err != nil {
		return err
	}

	imgType := uint8(0)
	if kv["type"] == "Bootloader" {
		imgType = 1
	}
	packetCount := uint32((len(img) + flashChunkSize - 1) / flashChunkSize)

	var ts [14]byte
	copy(ts[:], time.Now().Format("20060102150405"))

	meta := wire.FlashMetadataPayload{
		ImageType:   imgType,
		Size:        uint32(len(img)),
		CRC:         crc32.ChecksumIEEE(img),
		Major:       1,
		Minor:       0,
		Timestamp:   ts,
		PacketCount: packetCount,
	}
	f, err := c.Do(ctx, route, wire.FlashMetadata, wire.PayloadFlashMetadata, meta)
	if err != nil {
		return err
	}
	if err := checkDone("flash", f); err != nil {
		return err
	}

	for seq := uint32(1); seq <= packetCount; seq++ {
		lo := int(seq-1) * flashChunkSize
		hi := lo + flashChunkSize
		if hi > len(img) {
			hi = len(img)
		}
		body := img[lo:hi]
		pkt := wire.FlashDataPayload{
			Sequence: seq,
			Length:   uint32(len(body)),
			Body:     body,
			BodyCRC:  crc32.ChecksumIEEE(body),
		}
		f, err := c.Do(ctx, route, wire.FlashData, wire.PayloadFlashData, pkt)
		if err != nil {
			return err
		}
		if err := checkDone("flash", f); err != nil {
			return err
		}
	}
	fmt.Printf("flashed %d bytes in %d packets\n", len(img), packetCount)
	return nil
}

func ramTest(ctx context.Context, c *protocol.Client, route wire.Route) error {
	f, err := c.Do(ctx, route, wire.RamTest, wire.PayloadNone, nil)
	if err != nil {
		return err
	}
	if err := checkDone("ram_test", f); err != nil {
		return err
	}
	p, err := wire.DecodePayload[wire.RamTestPayload](f.Payload)
	if err != nil {
		return err
	}
	if p.Test == wire.RamTestNone {
		fmt.Println("RAM OK")
		return nil
	}
	return fmt.Errorf("ram_test failed with status %d: %s at 0x%08X", p.ErrorCode, ramTestName(p.Test), p.Addr)
}

func readI2C(ctx context.Context, c *protocol.Client, route wire.Route, kv map[string]string) error {
	req, err := parseI2CArgs(kv, false)
	if err != nil {
		return err
	}
	f, err := c.Do(ctx, route, wire.I2CRead, wire.PayloadI2CData, req)
	if err != nil {
		return err
	}
	if err := checkDone("read_i2c", f); err != nil {
		return err
	}
	p, err := wire.DecodePayload[wire.I2CDataPayload](f.Payload)
	if err != nil {
		return err
	}
	fmt.Println(formatBytes(p.Body))
	return nil
}

func writeI2C(ctx context.Context, c *protocol.Client, route wire.Route, kv map[string]string) error {
	req, err := parseI2CArgs(kv, true)
	if err != nil {
		return err
	}
	f, err := c.Do(ctx, route, wire.I2CWrite, wire.PayloadI2CData, req)
	if err != nil {
		return err
	}
	return checkDone("write_i2c", f)
}

func getDebugMasks(ctx context.Context, c *protocol.Client, route wire.Route) error {
	f, err := c.Do(ctx, route, wire.GetDebugMasks, wire.PayloadNone, nil)
	if err != nil {
		return err
	}
	if err := checkDone("get_dbg_modules", f); err != nil {
		return err
	}
	p, err := wire.DecodePayload[wire.DebugPayload](f.Payload)
	if err != nil {
		return err
	}
	fmt.Printf("modules=0x%08X devices=0x%08X\n", p.ModulesMask, p.DevicesMask)
	return nil
}

func setDebugMask(ctx context.Context, c *protocol.Client, route wire.Route, kv map[string]string, name wire.MessageName, key string) error {
	mask, err := parseU32(kv[key])
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	p := wire.DebugPayload{}
	verb := "set_dbg_modules"
	if key == "modules" {
		p.ModulesMask = mask
	} else {
		p.DevicesMask = mask
		verb = "set_dbg_device"
	}
	f, err := c.Do(ctx, route, name, wire.PayloadDebug, p)
	if err != nil {
		return err
	}
	return checkDone(verb, f)
}

func getDBElem(ctx context.Context, c *protocol.Client, route wire.Route, kv map[string]string) error {
	id, ok := sysdb.ElementID(kv["elem"])
	if !ok {
		return fmt.Errorf("unknown element %q", kv["elem"])
	}
	acc, err := parseAccess(kv["acc"])
	if err != nil {
		return err
	}
	req := wire.DatabasePayload{ElementID: id, Access: acc}
	f, err := c.Do(ctx, route, wire.DatabaseRead, wire.PayloadDatabase, req)
	if err != nil {
		return err
	}
	if err := checkDone("get_db_elem", f); err != nil {
		return err
	}
	p, err := wire.DecodePayload[wire.DatabasePayload](f.Payload)
	if err != nil {
		return err
	}
	fmt.Println(formatBytes(p.Body))
	return nil
}

func resetDB(ctx context.Context, c *protocol.Client, route wire.Route) error {
	f, err := c.Do(ctx, route, wire.DatabaseReset, wire.PayloadNone, nil)
	if err != nil {
		return err
	}
	return checkDone("reset_db", f)
}

// ---- argument parsing ----

func parseI2CArgs(kv map[string]string, withData bool) (wire.I2CDataPayload, error) {
	var req wire.I2CDataPayload

	switch kv["dev"] {
	case "EEPROM":
		req.Device = wire.DeviceEEPROM
	case "SNROM":
		req.Device = wire.DeviceSNROM
	case "EUIROM":
		req.Device = wire.DeviceEUIROM
	default:
		return req, fmt.Errorf("dev must be one of EEPROM, SNROM, EUIROM")
	}

	start, err := parseU32(kv["start"])
	if err != nil {
		return req, fmt.Errorf("start: %w", err)
	}
	count, err := parseU32(kv["bytes"])
	if err != nil {
		return req, fmt.Errorf("bytes: %w", err)
	}
	req.Start = start
	req.Length = count

	req.Access, err = parseAccess(kv["acc"])
	if err != nil {
		return req, err
	}

	if withData {
		body, err := parseByteList(kv["data"])
		if err != nil {
			return req, fmt.Errorf("data: %w", err)
		}
		if uint32(len(body)) != count {
			return req, fmt.Errorf("data has %d bytes but bytes=%d", len(body), count)
		}
		req.Body = body
	}
	return req, nil
}

// parseAccess maps the CLI's access selector onto the wire enum: QPC is
// the native event path, FRT the secondary cooperative path, BARE the
// blocking bare-metal path. An empty selector defaults to QPC.
func parseAccess(s string) (wire.I2CAccess, error) {
	switch s {
	case "", "QPC":
		return wire.AccessNativeEvent, nil
	case "FRT":
		return wire.AccessSecondaryCooperative, nil
	case "BARE":
		return wire.AccessBlocking, nil
	default:
		return 0, fmt.Errorf("acc must be one of QPC, FRT, BARE")
	}
}

func parseBootMode(s string) (wire.BootMode, error) {
	switch s {
	case "Bootloader":
		return wire.Bootloader, nil
	case "Application":
		return wire.Application, nil
	default:
		return 0, fmt.Errorf("mode must be Bootloader or Application")
	}
}

// parseU32 accepts decimal or 0x-prefixed hex.
func parseU32(s string) (uint32, error) {
	if s == "" {
		return 0, errcode.InvalidParams
	}
	v, err := strconvx.ParseUint(s, 0, 32)
	return uint32(v), err
}

// parseByteList parses "b0,b1,..." where each element is decimal or
// 0x-prefixed hex.
func parseByteList(s string) ([]byte, error) {
	if s == "" {
		return nil, errcode.InvalidParams
	}
	parts := strings.Split(s, ",")
	out := make([]byte, 0, len(parts))
	for _, p := range parts {
		v, err := strconvx.ParseUint(strings.TrimSpace(p), 0, 8)
		if err != nil {
			return nil, err
		}
		out = append(out, byte(v))
	}
	return out, nil
}

func formatBytes(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "0x%02X", v)
	}
	return sb.String()
}

func bootModeName(m wire.BootMode) string {
	switch m {
	case wire.SystemROM:
		return "SystemROM"
	case wire.Bootloader:
		return "Bootloader"
	case wire.Application:
		return "Application"
	default:
		return "None"
	}
}

func ramTestName(t wire.RamTestOutcome) string {
	switch t {
	case wire.RamTestDataBus:
		return "data-bus test"
	case wire.RamTestAddressBus:
		return "address-bus test"
	case wire.RamTestDeviceIntegrity:
		return "device-integrity test"
	default:
		return "none"
	}
}
