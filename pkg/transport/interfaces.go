package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// InterfaceKind categorizes probe families.
type InterfaceKind string

const (
	InterfaceKindCMSISDAP InterfaceKind = "cmsis-dap"
	InterfaceKindSerial   InterfaceKind = "serial"
	InterfaceKindJLink    InterfaceKind = "jlink"
	InterfaceKindSim      InterfaceKind = "simulator"
	InterfaceKindUnknown  InterfaceKind = "unknown"
)

// InterfaceInfo describes a detected probe interface.
type InterfaceInfo struct {
	Kind        InterfaceKind
	ProbeID     string // value accepted by Open
	Description string
	VendorID    uint16
	ProductID   uint16
	Serial      string
	Path        string
}

// Label returns a user-friendly description for the interface.
func (i InterfaceInfo) Label() string {
	if i.Description != "" {
		return i.Description
	}
	if i.Kind != "" {
		return fmt.Sprintf("%s (%04X:%04X)", string(i.Kind), i.VendorID, i.ProductID)
	}
	return fmt.Sprintf("Interface %04X:%04X", i.VendorID, i.ProductID)
}

// DiscoverInterfaces asks every registered driver that supports discovery
// for its attached probes. Drivers are queried concurrently; a driver that
// fails (no libusb permissions, no serial subsystem) does not hide the
// others; every driver error is joined into the returned error.
func DiscoverInterfaces(ctx context.Context) ([]InterfaceInfo, error) {
	driversMu.RLock()
	var discoverers []Discoverer
	for _, scheme := range sortedSchemesLocked() {
		if d, ok := drivers[scheme].(Discoverer); ok {
			discoverers = append(discoverers, d)
		}
	}
	driversMu.RUnlock()

	results := make([][]InterfaceInfo, len(discoverers))
	errs := make([]error, len(discoverers))
	var wg sync.WaitGroup
	for i, d := range discoverers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = d.Discover(ctx)
		}()
	}
	wg.Wait()

	var out []InterfaceInfo
	for _, r := range results {
		out = append(out, r...)
	}
	return out, errors.Join(errs...)
}

func sortedSchemesLocked() []string {
	out := make([]string, 0, len(drivers))
	for s := range drivers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type knownUSBDevice struct {
	VendorID    uint16
	ProductID   uint16
	Description string
}

// KnownCMSISDAP lists USB identities of CMSIS-DAP probes recognised during
// discovery and accepted by the "usb" scheme without an explicit VID:PID.
var KnownCMSISDAP = []knownUSBDevice{
	{VendorID: 0x2E8A, ProductID: 0x000C, Description: "Raspberry Pi Debug Probe (CMSIS-DAP)"},
	{VendorID: 0x0D28, ProductID: 0x0204, Description: "DAPLink CMSIS-DAP"},
	{VendorID: 0x1366, ProductID: 0x0101, Description: "SEGGER J-Link (CMSIS-DAP firmware)"},
	{VendorID: 0x1366, ProductID: 0x1015, Description: "SEGGER J-Link OB (CMSIS-DAP)"},
	{VendorID: 0xC251, ProductID: 0xF002, Description: "Keil ULINK-ME CMSIS-DAP"},
}

func lookupKnownUSB(vid, pid uint16) (knownUSBDevice, bool) {
	for _, k := range KnownCMSISDAP {
		if k.VendorID == vid && k.ProductID == pid {
			return k, true
		}
	}
	return knownUSBDevice{}, false
}
