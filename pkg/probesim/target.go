package probesim

import (
	"encoding/binary"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
)

// NVMC register offsets.
const (
	nvmcReady     = 0x400
	nvmcReadyNext = 0x408
	nvmcConfig    = 0x504
	nvmcErasePage = 0x508
	nvmcEraseAll  = 0x50C
	nvmcEraseUICR = 0x514
)

// NVMC CONFIG values.
const (
	ConfigRead  = 0
	ConfigWrite = 1
	ConfigErase = 2
)

func (p *Probe) transfer(cmd []byte) []byte {
	if len(cmd) < 3 {
		return []byte{cmd[0], 0, dap.AckNoAck}
	}
	count := int(cmd[2])
	resp := []byte{cmd[0], 0, dap.AckOK}
	off := 3
	for i := 0; i < count; i++ {
		if off >= len(cmd) {
			resp[1], resp[2] = byte(i), dap.AckNoAck
			return resp
		}
		req := cmd[off]
		off++
		read := req&0x02 != 0
		var v uint32
		if !read {
			if off+4 > len(cmd) {
				resp[1], resp[2] = byte(i), dap.AckNoAck
				return resp
			}
			v = binary.LittleEndian.Uint32(cmd[off:])
			off += 4
		}
		out, ack := p.access(req&0x01 != 0, read, req&0x0C, v)
		if ack != dap.AckOK {
			resp[1], resp[2] = byte(i), ack
			return resp
		}
		if read {
			resp = binary.LittleEndian.AppendUint32(resp, out)
		}
	}
	resp[1] = byte(count)
	return resp
}

func (p *Probe) transferBlock(cmd []byte) []byte {
	if len(cmd) < 5 {
		return []byte{cmd[0], 0, 0, dap.AckNoAck}
	}
	count := int(binary.LittleEndian.Uint16(cmd[2:]))
	req := cmd[4]
	read := req&0x02 != 0
	resp := []byte{cmd[0], 0, 0, dap.AckOK}
	for i := 0; i < count; i++ {
		var v uint32
		if !read {
			off := 5 + 4*i
			if off+4 > len(cmd) {
				binary.LittleEndian.PutUint16(resp[1:], uint16(i))
				resp[3] = dap.AckNoAck
				return resp
			}
			v = binary.LittleEndian.Uint32(cmd[off:])
		}
		out, ack := p.access(req&0x01 != 0, read, req&0x0C, v)
		if ack != dap.AckOK {
			binary.LittleEndian.PutUint16(resp[1:], uint16(i))
			resp[3] = ack
			return resp
		}
		if read {
			resp = binary.LittleEndian.AppendUint32(resp, out)
		}
	}
	binary.LittleEndian.PutUint16(resp[1:], uint16(count))
	return resp
}

// access performs one DP or AP register access.
func (p *Probe) access(ap, read bool, a byte, v uint32) (uint32, byte) {
	if p.port == 0 {
		return 0, dap.AckNoAck
	}
	if !ap {
		return p.dpAccess(read, a, v), dap.AckOK
	}
	if p.sticky {
		return 0, dap.AckFault
	}
	powered := dap.CDbgPwrUpReq | dap.CSysPwrUpReq
	if p.ctrlStat&uint32(powered) != uint32(powered) {
		p.sticky = true
		return 0, dap.AckFault
	}
	if p.sel>>24 != 0 {
		// only AP 0 exists
		return 0, dap.AckOK
	}
	reg := (p.sel>>4&0xF)<<4 | uint32(a)
	return p.apAccess(read, reg, v), dap.AckOK
}

func (p *Probe) dpAccess(read bool, a byte, v uint32) uint32 {
	switch {
	case read && a == dap.DPIDR:
		return p.cfg.DPIDR
	case read && a == dap.CtrlStat:
		s := p.ctrlStat
		if s&dap.CDbgPwrUpReq != 0 {
			s |= dap.CDbgPwrUpAck
		}
		if s&dap.CSysPwrUpReq != 0 {
			s |= dap.CSysPwrUpAck
		}
		if p.sticky {
			s |= 1 << 5 // STICKYERR
		}
		return s
	case read:
		return 0
	case a == dap.DPAbort:
		if v&dap.AbortClearAll != 0 {
			p.sticky = false
		}
	case a == dap.CtrlStat:
		p.ctrlStat = v
	case a == dap.Select:
		p.sel = v
	}
	return 0
}

func (p *Probe) apAccess(read bool, reg, v uint32) uint32 {
	switch reg {
	case dap.APCSW:
		if read {
			return p.csw
		}
		p.csw = v
	case dap.APTAR:
		if read {
			return p.tar
		}
		p.tar = v
	case dap.APDRW:
		addr := p.tar
		if p.csw>>4&0x3 == 1 {
			p.tar = p.tar&^(dap.TARWrap-1) | (p.tar+4)&(dap.TARWrap-1)
		}
		if read {
			return p.readWord(addr)
		}
		p.writeWord(addr, v)
	case dap.APIDR:
		return p.cfg.APIDR
	}
	return 0
}

func (p *Probe) bank(addr uint32) (*flashBank, uint32, bool) {
	for _, b := range p.banks {
		if b.region.Contains(addr, 1) {
			return b, addr - b.region.Start, true
		}
	}
	return nil, 0, false
}

func (p *Probe) readWord(addr uint32) uint32 {
	addr &^= 3
	if b, off, ok := p.bank(addr); ok {
		v := binary.LittleEndian.Uint32(b.data[off:])
		if p.hooks.FlashRead != nil {
			v = p.hooks.FlashRead(addr, v)
		}
		return v
	}

	dev := p.cfg.Device
	switch addr {
	case dev.PartReg:
		return dev.Part
	case dap.DHCSR:
		v := uint32(dap.SRegRdy)
		if p.debugEn {
			v |= dap.CDebugEn
		}
		if p.halted {
			v |= dap.CHalt | dap.SHalt
		}
		return v
	case dap.DEMCR:
		if p.vcReset {
			return dap.VCCoreReset
		}
		return 0
	case dev.NVMC + nvmcReady, dev.NVMC + nvmcReadyNext:
		return 1
	case dev.NVMC + nvmcConfig:
		return p.nvmcConfig
	}
	return p.words[addr]
}

func (p *Probe) writeWord(addr, v uint32) {
	addr &^= 3
	if b, off, ok := p.bank(addr); ok {
		if p.nvmcConfig != ConfigWrite {
			return
		}
		// NOR flash can only clear bits.
		for i := uint32(0); i < 4; i++ {
			b.data[off+i] &= byte(v >> (8 * i))
		}
		if p.hooks.FlashWrite != nil {
			p.hooks.FlashWrite(addr, v)
		}
		return
	}

	dev := p.cfg.Device
	switch addr {
	case dap.DHCSR:
		if v>>16 != dap.DBGKey>>16 {
			return
		}
		p.debugEn = v&dap.CDebugEn != 0
		if !p.debugEn {
			p.halted = false
			return
		}
		if v&dap.CHalt != 0 {
			if !p.noHalt {
				p.halted = true
			}
		} else {
			p.halted = false
		}
	case dap.AIRCR:
		if v>>16 == dap.VectKey>>16 && v&dap.SysResetReq != 0 {
			p.resetCore()
		}
	case dap.DEMCR:
		p.vcReset = v&dap.VCCoreReset != 0
	case dev.NVMC + nvmcConfig:
		p.nvmcConfig = v & 0x3
	case dev.NVMC + nvmcErasePage:
		if p.nvmcConfig != ConfigErase {
			return
		}
		if b, _, ok := p.bank(v); ok {
			base := b.region.SectorBase(v)
			if p.hooks.EraseFail != nil && p.hooks.EraseFail(base) {
				return
			}
			off := base - b.region.Start
			fill(b.data[off:off+b.region.SectorSize], 0xFF)
			p.erases[base]++
		}
	case dev.NVMC + nvmcEraseAll:
		if p.nvmcConfig == ConfigErase && v&1 != 0 {
			for _, b := range p.banks {
				fill(b.data, 0xFF)
			}
			p.eraseAlls++
		}
	case dev.NVMC + nvmcEraseUICR:
		if p.nvmcConfig == ConfigErase && v&1 != 0 {
			for _, b := range p.banks {
				if b.region.Name == "uicr" {
					fill(b.data, 0xFF)
				}
			}
		}
	default:
		p.words[addr] = v
	}
}

func (p *Probe) resetCore() {
	p.resets++
	p.nvmcConfig = ConfigRead
	p.halted = p.debugEn && p.vcReset && !p.noHalt
}
