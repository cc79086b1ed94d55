package flash

import (
	"context"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// wordIO is the target memory access the NVMC driver needs.
type wordIO interface {
	ReadU32(ctx context.Context, addr uint32) (uint32, error)
	WriteU32(ctx context.Context, addr, v uint32) error
	ReadWords(ctx context.Context, addr uint32, n int) ([]uint32, error)
	WriteWords(ctx context.Context, addr uint32, words []uint32) error
}

// nvmc drives a Nordic-style non-volatile memory controller.
type nvmc struct {
	mem     wordIO
	base    uint32
	timeout time.Duration
}

func (n *nvmc) waitReady(ctx context.Context, kind proberr.Kind, op string) error {
	deadline := time.Now().Add(n.timeout)
	for {
		v, err := n.mem.ReadU32(ctx, n.base+target.NVMCReady)
		if err != nil {
			return proberr.Wrap(kind, op, err)
		}
		if v&1 != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return proberr.Newf(kind, op, "flash controller busy for %s", n.timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func (n *nvmc) setConfig(ctx context.Context, cfg uint32, kind proberr.Kind, op string) error {
	if err := n.mem.WriteU32(ctx, n.base+target.NVMCConfig, cfg); err != nil {
		return proberr.Wrap(kind, op, err)
	}
	return n.waitReady(ctx, kind, op)
}

// eraseSector erases the sector at base and leaves the controller
// read-only.
func (n *nvmc) eraseSector(ctx context.Context, region devicedb.FlashRegion, base uint32) error {
	const op = "erase"
	if err := n.setConfig(ctx, target.NVMCConfigErase, proberr.EraseFailed, op); err != nil {
		return err
	}
	reg, val := n.base+target.NVMCErasePage, base
	if region.Name == "uicr" {
		reg, val = n.base+target.NVMCEraseUICR, 1
	}
	if err := n.mem.WriteU32(ctx, reg, val); err != nil {
		return proberr.Wrap(proberr.EraseFailed, op, err).AtAddress(base)
	}
	if err := n.waitReady(ctx, proberr.EraseFailed, op); err != nil {
		return err
	}
	return n.setConfig(ctx, target.NVMCConfigRead, proberr.EraseFailed, op)
}

// eraseAll mass-erases every flash region.
func (n *nvmc) eraseAll(ctx context.Context) error {
	const op = "erase all"
	if err := n.setConfig(ctx, target.NVMCConfigErase, proberr.EraseFailed, op); err != nil {
		return err
	}
	if err := n.mem.WriteU32(ctx, n.base+target.NVMCEraseAll, 1); err != nil {
		return proberr.Wrap(proberr.EraseFailed, op, err)
	}
	if err := n.waitReady(ctx, proberr.EraseFailed, op); err != nil {
		return err
	}
	return n.setConfig(ctx, target.NVMCConfigRead, proberr.EraseFailed, op)
}

// write programs words at addr and leaves the controller read-only.
func (n *nvmc) write(ctx context.Context, addr uint32, words []uint32) error {
	const op = "write"
	if err := n.setConfig(ctx, target.NVMCConfigWrite, proberr.WriteFailed, op); err != nil {
		return err
	}
	if err := n.mem.WriteWords(ctx, addr, words); err != nil {
		return proberr.Wrap(proberr.WriteFailed, op, err).AtAddress(addr)
	}
	if err := n.waitReady(ctx, proberr.WriteFailed, op); err != nil {
		return err
	}
	return n.setConfig(ctx, target.NVMCConfigRead, proberr.WriteFailed, op)
}
