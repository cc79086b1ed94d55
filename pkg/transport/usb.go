package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

const (
	// DefaultPacketSize is the CMSIS-DAP v1 report size, used until the
	// endpoint descriptor says otherwise.
	DefaultPacketSize = 64

	drainTimeout = 20 * time.Millisecond
)

func init() {
	Register("usb", usbDriver{})
}

type usbDriver struct{}

// Open accepts "", "VID:PID" or "VID:PID:serial" (hex ids).
func (usbDriver) Open(ctx context.Context, address string) (Link, Info, error) {
	vid, pid, serial, err := parseUSBAddress(address)
	if err != nil {
		return nil, Info{}, proberr.Wrap(proberr.NotFound, "open", err)
	}

	usb := gousb.NewContext()
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if vid == 0 {
			_, ok := lookupKnownUSB(uint16(desc.Vendor), uint16(desc.Product))
			return ok
		}
		return uint16(desc.Vendor) == vid && uint16(desc.Product) == pid
	})
	if err != nil && len(devs) == 0 {
		usb.Close()
		return nil, Info{}, classifyUSBError("open", err)
	}

	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		if serial != "" {
			s, _ := d.SerialNumber()
			if !strings.EqualFold(s, serial) {
				d.Close()
				continue
			}
		}
		dev = d
	}
	if dev == nil {
		usb.Close()
		return nil, Info{}, proberr.Newf(proberr.NotFound, "open", "no CMSIS-DAP probe matching %q", address)
	}

	// Not supported on every platform.
	_ = dev.SetAutoDetach(true)

	l := &usbLink{usb: usb, dev: dev, packetSize: DefaultPacketSize}
	if err := l.claimInterface(); err != nil {
		dev.Close()
		usb.Close()
		return nil, Info{}, err
	}

	s, _ := dev.SerialNumber()
	info := Info{
		Kind:      InterfaceKindCMSISDAP,
		ProbeID:   fmt.Sprintf("usb:%04X:%04X:%s", uint16(dev.Desc.Vendor), uint16(dev.Desc.Product), s),
		Serial:    s,
		LinkSpeed: usbSpeed(dev.Desc.Speed),
		MaxPacket: l.packetSize,
	}
	return l, info, nil
}

func (usbDriver) Discover(ctx context.Context) ([]InterfaceInfo, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		_, ok := lookupKnownUSB(uint16(desc.Vendor), uint16(desc.Product))
		return ok
	})

	var results []InterfaceInfo
	for _, dev := range devs {
		known, _ := lookupKnownUSB(uint16(dev.Desc.Vendor), uint16(dev.Desc.Product))
		serial, _ := dev.SerialNumber()
		results = append(results, InterfaceInfo{
			Kind:        InterfaceKindCMSISDAP,
			ProbeID:     fmt.Sprintf("usb:%04X:%04X:%s", known.VendorID, known.ProductID, serial),
			Description: known.Description,
			VendorID:    known.VendorID,
			ProductID:   known.ProductID,
			Serial:      serial,
		})
		dev.Close()
	}
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return results, fmt.Errorf("usb discovery: %w", err)
	}
	return results, nil
}

func parseUSBAddress(address string) (vid, pid uint16, serial string, err error) {
	if address == "" {
		return 0, 0, "", nil
	}
	parts := strings.SplitN(address, ":", 3)
	if len(parts) < 2 {
		return 0, 0, "", fmt.Errorf("usb address %q: want VID:PID[:serial]", address)
	}
	v, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, "", fmt.Errorf("usb address %q: bad vendor id: %w", address, err)
	}
	p, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, "", fmt.Errorf("usb address %q: bad product id: %w", address, err)
	}
	if len(parts) == 3 {
		serial = parts[2]
	}
	return uint16(v), uint16(p), serial, nil
}

func usbSpeed(s gousb.Speed) int64 {
	switch s {
	case gousb.SpeedLow:
		return 1_500_000
	case gousb.SpeedFull:
		return 12_000_000
	case gousb.SpeedHigh:
		return 480_000_000
	case gousb.SpeedSuper:
		return 5_000_000_000
	}
	return 0
}

func classifyUSBError(op string, err error) error {
	switch {
	case errors.Is(err, gousb.ErrorNotFound), errors.Is(err, gousb.ErrorNoDevice):
		return proberr.Wrap(proberr.NotFound, op, err)
	case errors.Is(err, gousb.ErrorBusy), errors.Is(err, gousb.ErrorAccess):
		return proberr.Wrap(proberr.Busy, op, err)
	}
	return proberr.Wrap(proberr.LinkError, op, err)
}

// usbLink talks to a CMSIS-DAP vendor interface over bulk endpoints.
type usbLink struct {
	usb  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	lastCmd    byte
	stale      int // responses still owed for requests that timed out
}

// claimInterface finds and claims the CMSIS-DAP vendor interface.
func (l *usbLink) claimInterface() error {
	cfg, err := l.dev.Config(1)
	if err != nil {
		return classifyUSBError("claim", err)
	}
	l.cfg = cfg

	vendorIntf := -1
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == gousb.ClassVendorSpec {
			vendorIntf = intf.Number
			break
		}
	}
	if vendorIntf == -1 {
		vendorIntf = 0
	}

	intf, err := cfg.Interface(vendorIntf, 0)
	if err != nil {
		cfg.Close()
		return classifyUSBError("claim", fmt.Errorf("interface %d: %w", vendorIntf, err))
	}
	l.intf = intf

	if err := l.findEndpoints(); err != nil {
		intf.Close()
		cfg.Close()
		return err
	}
	return nil
}

func (l *usbLink) findEndpoints() error {
	outNum, inNum := -1, -1
	for _, ep := range l.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionOut && outNum < 0:
			outNum = ep.Number
		case ep.Direction == gousb.EndpointDirectionIn && inNum < 0:
			inNum = ep.Number
			l.packetSize = ep.MaxPacketSize
		}
	}
	if outNum < 0 || inNum < 0 {
		return proberr.New(proberr.NotFound, "claim", "bulk endpoints not found on CMSIS-DAP interface")
	}

	epOut, err := l.intf.OutEndpoint(outNum)
	if err != nil {
		return classifyUSBError("claim", fmt.Errorf("OUT endpoint: %w", err))
	}
	epIn, err := l.intf.InEndpoint(inNum)
	if err != nil {
		return classifyUSBError("claim", fmt.Errorf("IN endpoint: %w", err))
	}
	l.epOut, l.epIn = epOut, epIn
	return nil
}

// Send pads the command to a full report, as CMSIS-DAP v1 firmware expects.
func (l *usbLink) Send(ctx context.Context, payload []byte) error {
	if l.stale > 0 {
		l.drain()
	}
	packet := make([]byte, l.packetSize)
	copy(packet, payload)
	if _, err := l.epOut.WriteContext(ctx, packet); err != nil {
		return err
	}
	l.lastCmd = payload[0]
	return nil
}

// Receive returns the next report whose first byte echoes the last command.
func (l *usbLink) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, l.packetSize)
	for {
		n, err := l.epIn.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				l.stale++
				return nil, ctx.Err()
			}
			return nil, err
		}
		if n == 0 || buf[0] != l.lastCmd {
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
}

func (l *usbLink) drain() {
	buf := make([]byte, l.packetSize)
	for l.stale > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		_, err := l.epIn.ReadContext(ctx, buf)
		cancel()
		if err != nil {
			break
		}
		l.stale--
	}
	l.stale = 0
}

func (l *usbLink) Close() error {
	if l.intf != nil {
		l.intf.Close()
		l.intf = nil
	}
	var err error
	if l.cfg != nil {
		err = l.cfg.Close()
		l.cfg = nil
	}
	if l.dev != nil {
		if cerr := l.dev.Close(); err == nil {
			err = cerr
		}
		l.dev = nil
	}
	if l.usb != nil {
		l.usb.Close()
		l.usb = nil
	}
	return err
}
