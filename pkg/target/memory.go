package target

import (
	"context"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

func (c *Controller) memoryAccess(ctx context.Context, op string, do func() error) error {
	if err := c.s.Admit(ctx, op); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.State(); !memoryStates[st] {
		return proberr.Newf(proberr.NotConnected, op, "target is %s", st)
	}
	if err := do(); err != nil {
		if isFault(err) {
			c.enterError(err)
		}
		return classify(op, err)
	}
	return nil
}

// ReadMemory reads n bytes starting at addr.
func (c *Controller) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	var out []byte
	err := c.memoryAccess(ctx, "read memory", func() error {
		var err error
		out, err = c.ap.Read(ctx, addr, n)
		return err
	})
	return out, err
}

// ReadU32 reads the word at addr, which must be word aligned.
func (c *Controller) ReadU32(ctx context.Context, addr uint32) (uint32, error) {
	var v uint32
	err := c.memoryAccess(ctx, "read u32", func() error {
		var err error
		v, err = c.ap.ReadU32(ctx, addr)
		return err
	})
	return v, err
}

// ReadWords reads consecutive words starting at addr.
func (c *Controller) ReadWords(ctx context.Context, addr uint32, n int) ([]uint32, error) {
	var out []uint32
	err := c.memoryAccess(ctx, "read memory", func() error {
		var err error
		out, err = c.ap.ReadBlock(ctx, addr, n)
		return err
	})
	return out, err
}

// WriteMemory writes data starting at addr. Flash is not programmed this
// way; use the flash engine.
func (c *Controller) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	return c.memoryAccess(ctx, "write memory", func() error {
		return c.ap.Write(ctx, addr, data)
	})
}

// WriteU32 writes the word at addr, which must be word aligned.
func (c *Controller) WriteU32(ctx context.Context, addr, v uint32) error {
	return c.memoryAccess(ctx, "write u32", func() error {
		return c.ap.WriteU32(ctx, addr, v)
	})
}

// WriteWords writes consecutive words starting at addr.
func (c *Controller) WriteWords(ctx context.Context, addr uint32, words []uint32) error {
	return c.memoryAccess(ctx, "write memory", func() error {
		return c.ap.WriteBlock(ctx, addr, words)
	})
}
