package dap

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Transactor sends one CMSIS-DAP command and returns its response.
type Transactor interface {
	Transact(ctx context.Context, cmd []byte) ([]byte, error)
}

// powerUpPolls bounds how many CTRL/STAT reads wait for power-up acks.
const powerUpPolls = 100

// MemAP is a 32-bit memory access port reached through DAP_Transfer.
type MemAP struct {
	tr    Transactor
	proto *Protocol
	apsel uint8

	selValid bool
	sel      uint32
	cswValid bool
}

// NewMemAP returns an access port driver for AP number apsel.
func NewMemAP(tr Transactor, packetSize int, apsel uint8) *MemAP {
	return &MemAP{tr: tr, proto: NewProtocol(packetSize), apsel: apsel}
}

// Invalidate forgets cached SELECT/CSW state, e.g. after a reset.
func (m *MemAP) Invalidate() {
	m.selValid = false
	m.cswValid = false
}

func (m *MemAP) transfer(ctx context.Context, reqs []Request) ([]uint32, error) {
	resp, err := m.tr.Transact(ctx, m.proto.EncodeTransfer(0, reqs))
	if err != nil {
		m.Invalidate()
		return nil, err
	}
	vals, err := m.proto.DecodeTransfer(resp, reqs)
	if err != nil {
		// A FAULT leaves sticky bits set; drop the caches so the next
		// access re-establishes them.
		m.Invalidate()
		return nil, err
	}
	return vals, nil
}

// ReadDP reads a debug port register.
func (m *MemAP) ReadDP(ctx context.Context, reg byte) (uint32, error) {
	vals, err := m.transfer(ctx, []Request{{Read: true, Addr: reg}})
	if err != nil {
		return 0, fmt.Errorf("read DP 0x%X: %w", reg, err)
	}
	return vals[0], nil
}

// WriteDP writes a debug port register.
func (m *MemAP) WriteDP(ctx context.Context, reg byte, v uint32) error {
	if _, err := m.transfer(ctx, []Request{{Addr: reg, Value: v}}); err != nil {
		return fmt.Errorf("write DP 0x%X: %w", reg, err)
	}
	return nil
}

// ReadDPIDR returns the debug port identification register.
func (m *MemAP) ReadDPIDR(ctx context.Context) (uint32, error) {
	return m.ReadDP(ctx, DPIDR)
}

// PowerUp clears sticky errors and requests debug and system power.
func (m *MemAP) PowerUp(ctx context.Context) error {
	if err := m.WriteDP(ctx, DPAbort, AbortClearAll); err != nil {
		return err
	}
	if err := m.WriteDP(ctx, CtrlStat, CDbgPwrUpReq|CSysPwrUpReq); err != nil {
		return err
	}
	for i := 0; i < powerUpPolls; i++ {
		v, err := m.ReadDP(ctx, CtrlStat)
		if err != nil {
			return err
		}
		if v&(CDbgPwrUpAck|CSysPwrUpAck) == CDbgPwrUpAck|CSysPwrUpAck {
			m.Invalidate()
			return nil
		}
	}
	return fmt.Errorf("debug power-up not acknowledged")
}

// Init powers up the debug domain and configures CSW for word access.
func (m *MemAP) Init(ctx context.Context) error {
	if err := m.PowerUp(ctx); err != nil {
		return err
	}
	return m.ensureCSW(ctx)
}

func (m *MemAP) selectReq(bank uint32) []Request {
	sel := uint32(m.apsel)<<24 | bank<<4
	if m.selValid && m.sel == sel {
		return nil
	}
	m.sel, m.selValid = sel, true
	return []Request{{Addr: Select, Value: sel}}
}

func (m *MemAP) ensureCSW(ctx context.Context) error {
	if m.cswValid {
		return nil
	}
	reqs := append(m.selectReq(0), Request{AP: true, Addr: APCSW, Value: CSWWord})
	if _, err := m.transfer(ctx, reqs); err != nil {
		return fmt.Errorf("write CSW: %w", err)
	}
	m.cswValid = true
	return nil
}

// ReadIDR returns the access port identification register.
func (m *MemAP) ReadIDR(ctx context.Context) (uint32, error) {
	reqs := append(m.selectReq(APIDR>>4), Request{AP: true, Read: true, Addr: APIDR & 0x0C})
	vals, err := m.transfer(ctx, reqs)
	if err != nil {
		return 0, fmt.Errorf("read AP IDR: %w", err)
	}
	return vals[0], nil
}

// ReadU32 reads one word. addr must be word aligned.
func (m *MemAP) ReadU32(ctx context.Context, addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, fmt.Errorf("unaligned word read at 0x%08X", addr)
	}
	if err := m.ensureCSW(ctx); err != nil {
		return 0, err
	}
	reqs := append(m.selectReq(0),
		Request{AP: true, Addr: APTAR, Value: addr},
		Request{AP: true, Read: true, Addr: APDRW},
	)
	vals, err := m.transfer(ctx, reqs)
	if err != nil {
		return 0, fmt.Errorf("read 0x%08X: %w", addr, err)
	}
	return vals[0], nil
}

// WriteU32 writes one word. addr must be word aligned.
func (m *MemAP) WriteU32(ctx context.Context, addr, v uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("unaligned word write at 0x%08X", addr)
	}
	if err := m.ensureCSW(ctx); err != nil {
		return err
	}
	reqs := append(m.selectReq(0),
		Request{AP: true, Addr: APTAR, Value: addr},
		Request{AP: true, Addr: APDRW, Value: v},
	)
	if _, err := m.transfer(ctx, reqs); err != nil {
		return fmt.Errorf("write 0x%08X: %w", addr, err)
	}
	return nil
}

// blockWords returns how many words fit in one block transfer starting at
// addr without crossing the TAR wrap boundary or the packet size.
func (m *MemAP) blockWords(addr uint32, remaining int, read bool) int {
	perPacket := (m.proto.PacketSize - 5) / 4
	if read {
		perPacket = (m.proto.PacketSize - 4) / 4
	}
	if perPacket < 1 {
		perPacket = 1
	}
	toWrap := int(TARWrap-addr%TARWrap) / 4
	return min(remaining, perPacket, toWrap)
}

func (m *MemAP) setTAR(ctx context.Context, addr uint32) error {
	reqs := append(m.selectReq(0), Request{AP: true, Addr: APTAR, Value: addr})
	if _, err := m.transfer(ctx, reqs); err != nil {
		return fmt.Errorf("set TAR 0x%08X: %w", addr, err)
	}
	return nil
}

// ReadBlock reads the given number of consecutive words starting at addr.
func (m *MemAP) ReadBlock(ctx context.Context, addr uint32, words int) ([]uint32, error) {
	if addr%4 != 0 {
		return nil, fmt.Errorf("unaligned block read at 0x%08X", addr)
	}
	if err := m.ensureCSW(ctx); err != nil {
		return nil, err
	}
	out := make([]uint32, 0, words)
	for len(out) < words {
		cur := addr + uint32(4*len(out))
		n := m.blockWords(cur, words-len(out), true)
		if err := m.setTAR(ctx, cur); err != nil {
			return nil, err
		}
		req := Request{AP: true, Read: true, Addr: APDRW}
		resp, err := m.tr.Transact(ctx, m.proto.EncodeTransferBlock(0, req, n, nil))
		if err != nil {
			m.Invalidate()
			return nil, err
		}
		vals, err := m.proto.DecodeTransferBlock(resp, n, true)
		if err != nil {
			m.Invalidate()
			return nil, fmt.Errorf("block read 0x%08X: %w", cur, err)
		}
		out = append(out, vals...)
	}
	return out, nil
}

// WriteBlock writes data as consecutive words starting at addr.
func (m *MemAP) WriteBlock(ctx context.Context, addr uint32, data []uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("unaligned block write at 0x%08X", addr)
	}
	if err := m.ensureCSW(ctx); err != nil {
		return err
	}
	for done := 0; done < len(data); {
		cur := addr + uint32(4*done)
		n := m.blockWords(cur, len(data)-done, false)
		if err := m.setTAR(ctx, cur); err != nil {
			return err
		}
		req := Request{AP: true, Addr: APDRW}
		resp, err := m.tr.Transact(ctx, m.proto.EncodeTransferBlock(0, req, n, data[done:done+n]))
		if err != nil {
			m.Invalidate()
			return err
		}
		if _, err := m.proto.DecodeTransferBlock(resp, n, false); err != nil {
			m.Invalidate()
			return fmt.Errorf("block write 0x%08X: %w", cur, err)
		}
		done += n
	}
	return nil
}

// Read reads n bytes from any address, widening to whole words.
func (m *MemAP) Read(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	start := addr &^ 3
	end := (addr + uint32(n) + 3) &^ 3
	words, err := m.ReadBlock(ctx, start, int(end-start)/4)
	if err != nil {
		return nil, err
	}
	buf := WordsToBytes(words)
	off := int(addr - start)
	return buf[off : off+n], nil
}

// Write writes data to any address. Partial edge words are read, merged
// and written back.
func (m *MemAP) Write(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	start := addr &^ 3
	end := (addr + uint32(len(data)) + 3) &^ 3
	buf := make([]byte, end-start)

	if start != addr {
		w, err := m.ReadU32(ctx, start)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(buf, w)
	}
	if last := end - 4; end != addr+uint32(len(data)) && (last != start || start == addr) {
		w, err := m.ReadU32(ctx, last)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(buf[last-start:], w)
	}
	copy(buf[addr-start:], data)
	return m.WriteBlock(ctx, start, BytesToWords(buf))
}

// WordsToBytes flattens little-endian words.
func WordsToBytes(words []uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// BytesToWords packs little-endian words; len(b) must be a multiple of 4.
func BytesToWords(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out
}
