package idcode

import "fmt"

// ParseDPIDR parses a raw DPIDR value into its fields.
func ParseDPIDR(raw uint32) DPIDR {
	return DPIDR{
		Raw:         raw,
		Revision:    uint8(raw >> 28 & 0xF),
		PartNumber:  uint8(raw >> 20 & 0xFF),
		MinDP:       raw>>16&1 == 1,
		Version:     uint8(raw >> 12 & 0xF),
		Designer:    uint16(raw >> 1 & 0x7FF),
		HasDesigner: raw&1 == 1,
	}
}

// ParseAPIDR parses a raw AP IDR value into its fields.
func ParseAPIDR(raw uint32) APIDR {
	return APIDR{
		Raw:      raw,
		Revision: uint8(raw >> 28 & 0xF),
		Designer: uint16(raw >> 17 & 0x7FF),
		Class:    uint8(raw >> 13 & 0xF),
		Variant:  uint8(raw >> 4 & 0xF),
		Type:     uint8(raw & 0xF),
	}
}

// IsMemAP reports whether the access port is a memory access port.
func (a APIDR) IsMemAP() bool { return a.Class == 0x8 }

func (d DPIDR) String() string {
	m, _ := LookupManufacturer(d.Designer)
	return fmt.Sprintf("DPv%d rev %d part 0x%02X (%s)", d.Version, d.Revision, d.PartNumber, m.Name)
}
