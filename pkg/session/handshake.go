package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

// swdSwitch is the JTAG-to-SWD select sequence surrounded by line resets.
var swdSwitch = []struct {
	bits int
	data []byte
}{
	{51, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	{16, []byte{0x9E, 0xE7}},
	{51, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	{8, []byte{0x00}},
}

func handshakeErr(step string, err error) error {
	if pe, ok := proberr.As(err); ok && pe.Kind.Category() == proberr.CategorySession {
		return err
	}
	return proberr.Wrap(proberr.HandshakeFailed, "open session", fmt.Errorf("%s: %w", step, err))
}

func (s *Session) infoString(ctx context.Context, id byte) (string, error) {
	resp, err := s.Transact(ctx, s.proto.EncodeInfo(id))
	if err != nil {
		return "", err
	}
	return s.proto.DecodeInfo(resp)
}

func (s *Session) infoUint(ctx context.Context, id byte) (uint32, error) {
	resp, err := s.Transact(ctx, s.proto.EncodeInfo(id))
	if err != nil {
		return 0, err
	}
	return s.proto.DecodeInfoUint(resp)
}

func (s *Session) status(ctx context.Context, cmd []byte) error {
	resp, err := s.Transact(ctx, cmd)
	if err != nil {
		return err
	}
	return s.proto.DecodeStatus(cmd[0], resp)
}

func (s *Session) handshake(ctx context.Context, m *Manager) error {
	c := &s.caps
	strs := []struct {
		id  byte
		dst *string
	}{
		{dap.InfoVendorID, &c.Vendor},
		{dap.InfoProductID, &c.Product},
		{dap.InfoSerialNum, &c.Serial},
		{dap.InfoFirmwareVer, &c.Firmware},
		{dap.InfoTargetVendor, &c.TargetVendor},
		{dap.InfoTargetName, &c.TargetName},
	}
	for _, q := range strs {
		v, err := s.infoString(ctx, q.id)
		if err != nil {
			return handshakeErr("DAP_Info", err)
		}
		*q.dst = v
	}

	if !Supported(m.supported, c.Firmware) {
		return proberr.Newf(proberr.VersionUnsupported, "open session",
			"probe firmware %q is outside the supported ranges %v", c.Firmware, m.supported)
	}

	caps, err := s.infoUint(ctx, dap.InfoCapabilities)
	if err != nil {
		return handshakeErr("capabilities", err)
	}
	c.SWD = caps&dap.CapSWD != 0
	c.JTAG = caps&dap.CapJTAG != 0

	if n, err := s.infoUint(ctx, dap.InfoPacketCount); err == nil {
		c.PacketCount = int(n)
	}
	size, err := s.infoUint(ctx, dap.InfoPacketSize)
	if err != nil || size < 16 {
		return handshakeErr("packet size", fmt.Errorf("probe reported %d bytes: %v", size, err))
	}
	c.PacketSize = int(size)
	if limit := s.conn.Info().MaxPacket; limit > 0 && limit < c.PacketSize {
		c.PacketSize = limit
	}
	s.proto = dap.NewProtocol(c.PacketSize)

	port := byte(dap.PortSWD)
	switch strings.ToLower(m.port) {
	case "", "swd":
		if !c.SWD {
			return proberr.New(proberr.HandshakeFailed, "open session", "probe does not support SWD")
		}
	case "jtag":
		if !c.JTAG {
			return proberr.New(proberr.HandshakeFailed, "open session", "probe does not support JTAG")
		}
		port = dap.PortJTAG
	default:
		return proberr.Newf(proberr.HandshakeFailed, "open session", "unknown port %q", m.port)
	}

	resp, err := s.Transact(ctx, s.proto.EncodeConnect(port))
	if err != nil {
		return handshakeErr("DAP_Connect", err)
	}
	got, err := s.proto.DecodeConnect(resp)
	if err != nil || got != port {
		return handshakeErr("DAP_Connect", fmt.Errorf("probe refused port %d (got %d): %v", port, got, err))
	}
	c.Port = "swd"
	if port == dap.PortJTAG {
		c.Port = "jtag"
	}

	if err := s.status(ctx, s.proto.EncodeSetClock(m.clock)); err != nil {
		return handshakeErr("DAP_SWJ_Clock", err)
	}
	c.Clock = m.clock
	if err := s.status(ctx, s.proto.EncodeTransferConfigure(0, 64, 0)); err != nil {
		return handshakeErr("DAP_TransferConfigure", err)
	}
	if port == dap.PortSWD {
		if err := s.status(ctx, s.proto.EncodeSWDConfigure(0)); err != nil {
			return handshakeErr("DAP_SWD_Configure", err)
		}
		for _, seq := range swdSwitch {
			if err := s.status(ctx, s.proto.EncodeSWJSequence(seq.bits, seq.data)); err != nil {
				return handshakeErr("DAP_SWJ_Sequence", err)
			}
		}
	}

	s.ap = dap.NewMemAP(s, c.PacketSize, 0)
	c.DPIDR, err = s.ap.ReadDPIDR(ctx)
	if err != nil {
		return handshakeErr("read DPIDR", err)
	}

	c.Driver = m.driver
	c.Families = m.db.Families()
	_ = s.status(ctx, s.proto.EncodeHostStatus(dap.LEDConnect, true))
	return nil
}
