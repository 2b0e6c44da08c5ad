package sysdb

import (
	"errors"

	"github.com/andreyvit/tinyjson"
)

// embeddedDefaults holds the compiled default settings image as a JSON
// object keyed by element ID. Values are arrays of byte values, matched
// to each element's declared Length.
var embeddedDefaults = []byte(`{
	"magic":          [222, 254, 200, 219],
	"version":        [0, 1],
	"ip_address":     [0, 0, 0, 0],
	"boot_mode":      [3],
	"boot_version":   [0, 0, 48, 48, 48, 48, 48, 48, 48, 48, 48, 48, 48, 48, 48, 48],
	"fpga_version":   [0, 0, 48, 48, 48, 48, 48, 48, 48, 48, 48, 48, 48, 48, 48, 48],
	"debug_modules":  [0, 0, 0, 0],
	"debug_devices":  [0, 0, 0, 0]
}`)

// LoadDefaults parses the embedded default image and fills in each
// registered descriptor's Default field by matching IDs.
func (d *DB) LoadDefaults() error {
	r := tinyjson.Raw(embeddedDefaults)
	val := r.Value()
	r.EnsureEOF()

	m, ok := val.(map[string]any)
	if !ok {
		return errors.New("sysdb: embedded defaults is not a JSON object")
	}

	for id, desc := range d.elements {
		raw, ok := m[id]
		if !ok {
			continue
		}
		arr, ok := raw.([]any)
		if !ok {
			continue
		}
		buf := make([]byte, 0, len(arr))
		for _, v := range arr {
			n, ok := v.(float64)
			if !ok {
				continue
			}
			buf = append(buf, byte(n))
		}
		desc.Default = buf
		d.elements[id] = desc
	}
	return nil
}
