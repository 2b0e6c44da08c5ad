package sysdb

// Numeric element identifiers carried on the wire. The host CLI maps a
// name to its number before composing a database request; the device maps
// back before touching the descriptor table. Both sides share this table
// so the two mappings cannot drift.
const (
	ElemMagic uint16 = iota
	ElemVersion
	ElemIPAddress
	ElemBootMode
	ElemBootVersion
	ElemFPGAVersion
	ElemDebugModules
	ElemDebugDevices
	ElemSerialNumber
	ElemMACAddress
	ElemHWStraps
	ElemAppTrailer
)

var elementNames = map[uint16]string{
	ElemMagic:        "magic",
	ElemVersion:      "version",
	ElemIPAddress:    "ip_address",
	ElemBootMode:     "boot_mode",
	ElemBootVersion:  "boot_version",
	ElemFPGAVersion:  "fpga_version",
	ElemDebugModules: "debug_modules",
	ElemDebugDevices: "debug_devices",
	ElemSerialNumber: "serial_number",
	ElemMACAddress:   "mac_address",
	ElemHWStraps:     "hw_straps",
	ElemAppTrailer:   "app_trailer",
}

var elementIDs = func() map[string]uint16 {
	m := make(map[string]uint16, len(elementNames))
	for id, name := range elementNames {
		m[name] = id
	}
	return m
}()

// ElementName resolves a wire element id to its descriptor-table name.
func ElementName(id uint16) (string, bool) {
	n, ok := elementNames[id]
	return n, ok
}

// ElementID resolves a descriptor-table name to its wire element id.
func ElementID(name string) (uint16, bool) {
	id, ok := elementIDs[name]
	return id, ok
}
