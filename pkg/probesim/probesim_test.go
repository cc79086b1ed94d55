package probesim

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/transport"
)

// direct adapts Handle to dap.Transactor.
type direct struct{ p *Probe }

func (d direct) Transact(ctx context.Context, cmd []byte) ([]byte, error) {
	resp, _ := d.p.Handle(cmd)
	return resp, nil
}

func connected(t *testing.T) (*Probe, *dap.MemAP) {
	t.Helper()
	p := New(DefaultConfig())
	if resp, _ := p.Handle([]byte{dap.CmdConnect, dap.PortSWD}); resp[1] != dap.PortSWD {
		t.Fatalf("connect response % X", resp)
	}
	ap := dap.NewMemAP(direct{p}, p.Config().PacketSize, 0)
	if err := ap.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return p, ap
}

func TestInfoStrings(t *testing.T) {
	p := New(DefaultConfig())
	proto := dap.NewProtocol(64)

	resp, _ := p.Handle(proto.EncodeInfo(dap.InfoFirmwareVer))
	fw, err := proto.DecodeInfo(resp)
	if err != nil || fw != "2.1.1" {
		t.Fatalf("firmware = %q, %v", fw, err)
	}
	resp, _ = p.Handle(proto.EncodeInfo(dap.InfoPacketSize))
	if n, err := proto.DecodeInfoUint(resp); err != nil || n != 64 {
		t.Fatalf("packet size = %d, %v", n, err)
	}
}

func TestAPAccessNeedsPowerUp(t *testing.T) {
	p := New(DefaultConfig())
	p.Handle([]byte{dap.CmdConnect, dap.PortSWD})
	ap := dap.NewMemAP(direct{p}, 64, 0)

	if _, err := ap.ReadU32(context.Background(), 0x20000000); err == nil {
		t.Fatalf("AP read before power-up succeeded")
	}
	if err := ap.Init(context.Background()); err != nil {
		t.Fatalf("Init after fault: %v", err)
	}
}

func TestNVMCProgramming(t *testing.T) {
	p, ap := connected(t)
	ctx := context.Background()
	nvmc := p.Config().Device.NVMC

	// Writes without WEN are ignored.
	if err := ap.WriteU32(ctx, 0x1000, 0x12345678); err != nil {
		t.Fatalf("WriteU32: %v", err)
	}
	if got := p.Flash(0x1000, 4); !bytes.Equal(got, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("flash changed without WEN: % X", got)
	}

	ap.WriteU32(ctx, nvmc+nvmcConfig, ConfigWrite)
	ap.WriteU32(ctx, 0x1000, 0x12345678)
	ap.WriteU32(ctx, 0x1000, 0xFFFF00FF) // can only clear bits
	if v, _ := ap.ReadU32(ctx, 0x1000); v != 0x12340078 {
		t.Fatalf("flash word = 0x%08X, want 0x12340078", v)
	}

	ap.WriteU32(ctx, nvmc+nvmcConfig, ConfigErase)
	ap.WriteU32(ctx, nvmc+nvmcErasePage, 0x1004)
	if v, _ := ap.ReadU32(ctx, 0x1000); v != 0xFFFFFFFF {
		t.Fatalf("flash word after erase = 0x%08X", v)
	}
	if p.EraseCount(0x1000) != 1 || p.TotalErases() != 1 {
		t.Fatalf("erase counts = %d/%d", p.EraseCount(0x1000), p.TotalErases())
	}
}

func TestBlockTransfersWrapTAR(t *testing.T) {
	p, ap := connected(t)
	ctx := context.Background()

	words := make([]uint32, 600) // crosses two 1 KB TAR boundaries
	for i := range words {
		words[i] = uint32(i) * 0x01010101
	}
	base := uint32(0x20000000 + 0x3F0)
	if err := ap.WriteBlock(ctx, base, words); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got, err := ap.ReadBlock(ctx, base, len(words))
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i := range words {
		if got[i] != words[i] {
			t.Fatalf("word %d = 0x%08X, want 0x%08X", i, got[i], words[i])
		}
	}

	data := []byte{1, 2, 3, 4, 5, 6, 7}
	if err := ap.Write(ctx, 0x20001001, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	back, err := ap.Read(ctx, 0x20001000, 9)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(back[1:8], data) || back[0] != 0 || back[8] != 0 {
		t.Fatalf("unaligned round trip = % X", back)
	}
	_ = p
}

func TestHaltAndReset(t *testing.T) {
	p, ap := connected(t)
	ctx := context.Background()

	ap.WriteU32(ctx, dap.DHCSR, dap.DBGKey|dap.CDebugEn|dap.CHalt)
	v, _ := ap.ReadU32(ctx, dap.DHCSR)
	if v&dap.SHalt == 0 || !p.Halted() {
		t.Fatalf("core not halted, DHCSR=0x%08X", v)
	}

	ap.WriteU32(ctx, dap.DEMCR, dap.VCCoreReset)
	ap.WriteU32(ctx, dap.AIRCR, dap.VectKey|dap.SysResetReq)
	if !p.Halted() || p.Resets() != 1 {
		t.Fatalf("reset with vector catch should stay halted")
	}

	p.SetHaltable(false)
	ap.WriteU32(ctx, dap.DHCSR, dap.DBGKey|dap.CDebugEn)
	ap.WriteU32(ctx, dap.DHCSR, dap.DBGKey|dap.CDebugEn|dap.CHalt)
	if p.Halted() {
		t.Fatalf("unhaltable core halted")
	}
}

func TestDriverRegistry(t *testing.T) {
	ctx := context.Background()
	custom := New(DefaultConfig())
	remove := Install("bench", custom)
	defer remove()

	conn, err := transport.Open(ctx, "sim:bench")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	if _, err := transport.Open(ctx, "sim:bench"); !proberr.Is(err, proberr.Busy) {
		t.Fatalf("second Open err = %v, want Busy", err)
	}
	if _, err := transport.Open(ctx, "sim:nowhere"); !proberr.Is(err, proberr.NotFound) {
		t.Fatalf("Open unknown err = %v, want NotFound", err)
	}

	if err := conn.Send(ctx, []byte{dap.CmdInfo, dap.InfoSerialNum}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := conn.Receive(ctx, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if s, _ := dap.NewProtocol(64).DecodeInfo(resp); s != "SIM0001" {
		t.Fatalf("serial = %q", s)
	}
	if custom.Commands() != 1 {
		t.Fatalf("Commands() = %d", custom.Commands())
	}

	found, _ := driver{}.Discover(ctx)
	if len(found) < 2 || found[0].ProbeID != "sim:default" {
		t.Fatalf("Discover = %+v", found)
	}
}

func TestUnplugBreaksLink(t *testing.T) {
	p := New(DefaultConfig())
	conn := p.Connect()
	defer conn.Close()
	ctx := context.Background()

	p.Unplug()
	err := conn.Send(ctx, []byte{dap.CmdInfo, dap.InfoVendorID})
	if err == nil {
		_, err = conn.Receive(ctx, time.Second)
	}
	if !proberr.Is(err, proberr.LinkError) {
		t.Fatalf("err = %v, want LinkError", err)
	}
}

func TestDefaultProbeAliasesShareHandle(t *testing.T) {
	ctx := context.Background()
	conn, err := transport.Open(ctx, "sim")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if conn.ProbeID() != "sim:default" {
		t.Fatalf("ProbeID = %q", conn.ProbeID())
	}
	if _, err := transport.Open(ctx, "sim:default"); !proberr.Is(err, proberr.Busy) {
		t.Fatalf("Open by full id err = %v, want Busy", err)
	}
	conn.Close()

	again, err := transport.Open(ctx, "sim:default")
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	defer again.Close()
	if _, err := transport.Open(ctx, "sim"); !proberr.Is(err, proberr.Busy) {
		t.Fatalf("Open by bare scheme err = %v, want Busy", err)
	}
}
