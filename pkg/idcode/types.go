package idcode

// DPIDR is a parsed ARM debug port identification register.
type DPIDR struct {
	Raw         uint32 // full register
	Revision    uint8  // [31:28]
	PartNumber  uint8  // [27:20]
	MinDP       bool   // [16] minimal debug port (no pushed ops)
	Version     uint8  // [15:12] DPv0..DPv3
	Designer    uint16 // [11:1] JEP106 continuation + identity
	HasDesigner bool   // bit 0 == 1
}

// APIDR is a parsed access port identification register.
type APIDR struct {
	Raw      uint32
	Revision uint8  // [31:28]
	Designer uint16 // [27:17] JEP106
	Class    uint8  // [16:13], 0x8 is MEM-AP
	Variant  uint8  // [7:4]
	Type     uint8  // [3:0], 0x1 AHB3, 0x2 APB2/3, 0x4 AXI
}

// Manufacturer represents a JEP106 manufacturer entry
type Manufacturer struct {
	Code         uint16 // JEP106 code
	Name         string // "Nordic Semiconductor"
	Abbreviation string // "Nordic"
}
