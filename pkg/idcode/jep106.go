package idcode

import "fmt"

// manufacturers holds the JEP106 designers seen on ARM debug ports.
// Codes are (continuation << 7) | identity, as found in DPIDR[11:1].
var manufacturers = map[uint16]Manufacturer{
	0x009: {Code: 0x009, Name: "Intel", Abbreviation: "Intel"},
	0x00E: {Code: 0x00E, Name: "Freescale (Motorola)", Abbreviation: "Freescale"},
	0x015: {Code: 0x015, Name: "Philips Semi. (Signetics)", Abbreviation: "Philips"},
	0x017: {Code: 0x017, Name: "Texas Instruments", Abbreviation: "TI"},
	0x01F: {Code: 0x01F, Name: "Atmel", Abbreviation: "Atmel"},
	0x020: {Code: 0x020, Name: "STMicroelectronics", Abbreviation: "STM"},
	0x02E: {Code: 0x02E, Name: "Cypress", Abbreviation: "Cypress"},
	0x049: {Code: 0x049, Name: "Infineon", Abbreviation: "Infineon"},
	0x06E: {Code: 0x06E, Name: "Microchip", Abbreviation: "Microchip"},
	0x093: {Code: 0x093, Name: "ARM", Abbreviation: "ARM"},
	0x0B7: {Code: 0x0B7, Name: "Espressif", Abbreviation: "Espressif"},
	0x144: {Code: 0x144, Name: "Nordic Semiconductor", Abbreviation: "Nordic"},
	0x1F1: {Code: 0x1F1, Name: "Raspberry Pi", Abbreviation: "RPi"},
	0x23B: {Code: 0x23B, Name: "ARM Ltd", Abbreviation: "ARM"},
}

// LookupManufacturer returns manufacturer info for a JEP106 code
func LookupManufacturer(code uint16) (Manufacturer, bool) {
	m, ok := manufacturers[code]
	if !ok {
		// Return unknown manufacturer
		return Manufacturer{
			Code:         code,
			Name:         fmt.Sprintf("Unknown (0x%03X)", code),
			Abbreviation: "Unknown",
		}, false
	}
	return m, true
}
