// Package probesim emulates a CMSIS-DAP probe wired to a Cortex-M target
// with a Nordic-style NVMC. It speaks the same framed byte protocol as a
// serial probe, so everything above the transport runs unmodified against
// it.
package probesim

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
)

// Config describes the emulated probe and target.
type Config struct {
	Vendor       string
	Product      string
	Serial       string
	Firmware     string
	PacketSize   int
	PacketCount  int
	Capabilities byte
	DPIDR        uint32
	APIDR        uint32
	Device       devicedb.Device
}

// DefaultConfig returns an nRF52832 behind a SWD-only probe.
func DefaultConfig() Config {
	dev, _ := devicedb.Default().LookupName("nRF52832")
	return Config{
		Vendor:       "OpenTraceLab",
		Product:      "OpenTrace CMSIS-DAP Simulator",
		Serial:       "SIM0001",
		Firmware:     "2.1.1",
		PacketSize:   64,
		PacketCount:  4,
		Capabilities: dap.CapSWD,
		DPIDR:        0x2BA01477,
		APIDR:        0x24770011,
		Device:       dev,
	}
}

// Hooks let tests inject target behaviour. They run with the probe lock
// held and must not call back into the Probe.
type Hooks struct {
	// FlashRead may replace a word read back from flash.
	FlashRead func(addr, v uint32) uint32
	// FlashWrite observes every word programmed into flash.
	FlashWrite func(addr, v uint32)
	// EraseFail makes the erase of the sector at base a no-op.
	EraseFail func(base uint32) bool
}

type flashBank struct {
	region devicedb.FlashRegion
	data   []byte
}

// Probe is an emulated probe plus target.
type Probe struct {
	mu  sync.Mutex
	cfg Config

	port   byte
	clock  uint32
	stall  bool
	delay  time.Duration
	cmds   int
	hooks  Hooks
	pipes  []closer
	noHalt bool

	// debug port
	ctrlStat uint32
	sel      uint32
	sticky   bool

	// MEM-AP
	csw uint32
	tar uint32

	// target
	banks      []*flashBank
	words      map[uint32]uint32
	nvmcConfig uint32
	erases     map[uint32]int
	eraseAlls  int
	debugEn    bool
	halted     bool
	vcReset    bool
	resets     int
}

type closer interface{ Close() error }

// New creates a probe with erased flash and a running core.
func New(cfg Config) *Probe {
	if cfg.PacketSize == 0 {
		cfg.PacketSize = 64
	}
	p := &Probe{
		cfg:    cfg,
		words:  make(map[uint32]uint32),
		erases: make(map[uint32]int),
	}
	for _, r := range cfg.Device.Flash {
		b := &flashBank{region: r, data: make([]byte, r.Size)}
		fill(b.data, 0xFF)
		p.banks = append(p.banks, b)
	}
	return p
}

// Config returns the probe configuration.
func (p *Probe) Config() Config { return p.cfg }

// SetHooks replaces the injected behaviour.
func (p *Probe) SetHooks(h Hooks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = h
}

// SetStalled makes the probe swallow commands without answering.
func (p *Probe) SetStalled(stalled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stall = stalled
}

// SetResponseDelay delays every response by d.
func (p *Probe) SetResponseDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// SetHaltable controls whether the core honours halt requests.
func (p *Probe) SetHaltable(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noHalt = !ok
}

// Commands returns how many commands the probe has received.
func (p *Probe) Commands() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmds
}

// Connected reports whether a DAP_Connect is in effect.
func (p *Probe) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port != 0
}

// Halted reports whether the emulated core is halted.
func (p *Probe) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// Resets counts core resets (DAP_ResetTarget or SYSRESETREQ).
func (p *Probe) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// EraseCount returns how often the sector at base was erased individually.
func (p *Probe) EraseCount(base uint32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.erases[base]
}

// TotalErases returns the number of individual sector erases.
func (p *Probe) TotalErases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.erases {
		n += c
	}
	return n
}

// EraseAllCount returns how many mass erases were performed.
func (p *Probe) EraseAllCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eraseAlls
}

// Flash returns a copy of n bytes of flash at addr, bypassing hooks.
func (p *Probe) Flash(addr uint32, n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		b, off, ok := p.bank(addr + uint32(i))
		if ok {
			out[i] = b.data[off]
		}
	}
	return out
}

// LoadFlash writes data straight into flash, bypassing the NVMC.
func (p *Probe) LoadFlash(addr uint32, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, v := range data {
		if b, off, ok := p.bank(addr + uint32(i)); ok {
			b.data[off] = v
		}
	}
}

// Handle executes one CMSIS-DAP command and returns its response. ok is
// false when the probe is stalled and no response would be sent.
func (p *Probe) Handle(cmd []byte) (resp []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmds++
	if p.stall {
		return nil, false
	}
	if len(cmd) == 0 {
		return []byte{dap.StatusError}, true
	}

	switch cmd[0] {
	case dap.CmdInfo:
		return p.info(cmd), true
	case dap.CmdHostStatus, dap.CmdTransferConfigure, dap.CmdSWDConfigure, dap.CmdSWJSequence:
		return []byte{cmd[0], dap.StatusOK}, true
	case dap.CmdSWJClock:
		if len(cmd) >= 5 {
			p.clock = binary.LittleEndian.Uint32(cmd[1:])
		}
		return []byte{cmd[0], dap.StatusOK}, true
	case dap.CmdConnect:
		return p.connect(cmd), true
	case dap.CmdDisconnect:
		p.port = 0
		return []byte{cmd[0], dap.StatusOK}, true
	case dap.CmdResetTarget:
		p.resetCore()
		return []byte{cmd[0], dap.StatusOK, 1}, true
	case dap.CmdTransfer:
		return p.transfer(cmd), true
	case dap.CmdTransferBlock:
		return p.transferBlock(cmd), true
	}
	return []byte{dap.StatusError}, true
}

func (p *Probe) responseDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delay
}

func (p *Probe) info(cmd []byte) []byte {
	if len(cmd) < 2 {
		return []byte{dap.CmdInfo, 0}
	}
	str := func(s string) []byte {
		if s == "" {
			return []byte{dap.CmdInfo, 0}
		}
		out := []byte{dap.CmdInfo, byte(len(s) + 1)}
		out = append(out, s...)
		return append(out, 0)
	}
	switch cmd[1] {
	case dap.InfoVendorID:
		return str(p.cfg.Vendor)
	case dap.InfoProductID:
		return str(p.cfg.Product)
	case dap.InfoSerialNum:
		return str(p.cfg.Serial)
	case dap.InfoFirmwareVer:
		return str(p.cfg.Firmware)
	case dap.InfoTargetName:
		return str(p.cfg.Device.Name)
	case dap.InfoCapabilities:
		return []byte{dap.CmdInfo, 1, p.cfg.Capabilities}
	case dap.InfoPacketCount:
		return []byte{dap.CmdInfo, 1, byte(p.cfg.PacketCount)}
	case dap.InfoPacketSize:
		out := []byte{dap.CmdInfo, 2, 0, 0}
		binary.LittleEndian.PutUint16(out[2:], uint16(p.cfg.PacketSize))
		return out
	}
	return []byte{dap.CmdInfo, 0}
}

func (p *Probe) connect(cmd []byte) []byte {
	port := byte(dap.PortDefault)
	if len(cmd) > 1 {
		port = cmd[1]
	}
	if port == dap.PortDefault {
		port = dap.PortSWD
	}
	switch {
	case port == dap.PortSWD && p.cfg.Capabilities&dap.CapSWD != 0,
		port == dap.PortJTAG && p.cfg.Capabilities&dap.CapJTAG != 0:
		p.port = port
		return []byte{cmd[0], port}
	}
	return []byte{cmd[0], 0}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
