package flash

import (
	"context"
	"io"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

// reserve takes the session for a synchronous engine operation and returns
// the context to run it under.
func (e *Engine) reserve(ctx context.Context, op string) (context.Context, func(), error) {
	res, err := e.c.Session().Reserve(op)
	if err != nil {
		return nil, nil, err
	}
	return res.Bind(ctx), res.Release, nil
}

// EraseSectors erases the sectors of region containing each address and
// confirms they read back erased.
func (e *Engine) EraseSectors(ctx context.Context, region devicedb.FlashRegion, addrs ...uint32) (int, error) {
	dev, err := e.device("erase")
	if err != nil {
		return 0, err
	}
	var bases []uint32
	seen := make(map[uint32]bool)
	for _, a := range addrs {
		if !region.Contains(a, 1) {
			return 0, proberr.Newf(proberr.InvalidJob, "erase", "0x%08X is outside region %s", a, region).AtAddress(a)
		}
		if b := region.SectorBase(a); !seen[b] {
			seen[b] = true
			bases = append(bases, b)
		}
	}

	ctx, release, err := e.reserve(ctx, "erase")
	if err != nil {
		return 0, err
	}
	defer release()

	nv := &nvmc{mem: e.c, base: dev.NVMC, timeout: e.readyTimeout}
	for i, b := range bases {
		if err := ctx.Err(); err != nil {
			return i, proberr.Wrap(proberr.Aborted, "erase", err).WithSectors(i)
		}
		if err := eraseConfirmed(ctx, nv, e.c, region, b); err != nil {
			return i, withSectors(err, i)
		}
		e.log.Debug().Str("sector", hex32(b)).Msg("sector erased")
	}
	return len(bases), nil
}

// EraseAll mass-erases the device and checks that every flash region
// reads back erased.
func (e *Engine) EraseAll(ctx context.Context) error {
	dev, err := e.device("erase all")
	if err != nil {
		return err
	}
	ctx, release, err := e.reserve(ctx, "erase all")
	if err != nil {
		return err
	}
	defer release()

	nv := &nvmc{mem: e.c, base: dev.NVMC, timeout: e.readyTimeout}
	if err := nv.eraseAll(ctx); err != nil {
		return err
	}
	for _, r := range dev.Flash {
		if err := e.checkErased(ctx, r); err != nil {
			return err
		}
	}
	e.log.Info().Str("device", dev.Name).Msg("device erased")
	return nil
}

func (e *Engine) checkErased(ctx context.Context, r devicedb.FlashRegion) error {
	const batch = 4096
	for addr := uint64(r.Start); addr < r.End(); addr += batch {
		n := int(min(batch, r.End()-addr) / 4)
		words, err := e.c.ReadWords(ctx, uint32(addr), n)
		if err != nil {
			return proberr.Wrap(proberr.EraseFailed, "erase all", err).AtAddress(uint32(addr))
		}
		for i, w := range words {
			if w != 0xFFFFFFFF {
				return proberr.Newf(proberr.EraseFailed, "erase all", "region %s not erased", r.Name).
					AtAddress(uint32(addr) + uint32(4*i))
			}
		}
	}
	return nil
}

// Verify compares the flash contents with job without writing.
func (e *Engine) Verify(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	ctx, release, err := e.reserve(ctx, "verify")
	if err != nil {
		return err
	}
	defer release()

	start, buf := job.image()
	for off := 0; off < len(buf); off += e.chunkSize {
		n := min(e.chunkSize, len(buf)-off)
		addr := start + uint32(off)
		words, err := e.c.ReadWords(ctx, addr, n/4)
		if err != nil {
			return proberr.Wrap(proberr.VerifyMismatch, "verify", err).AtAddress(addr)
		}
		got := dap.WordsToBytes(words)
		want := buf[off : off+n]
		// Bytes outside the job are padding and may hold anything.
		for i := range got {
			a := uint64(addr) + uint64(i)
			if a < uint64(job.Address) || a >= job.End() {
				got[i] = want[i]
			}
		}
		if d := firstDiff(got, want); d >= 0 {
			return proberr.Newf(proberr.VerifyMismatch, "verify", "flash differs from image").
				AtAddress(addr + uint32(d)).AtOffset(int(uint64(addr) + uint64(d) - uint64(job.Address)))
		}
	}
	return nil
}

// ReadBack copies n bytes of target memory starting at addr to w.
func (e *Engine) ReadBack(ctx context.Context, addr uint32, n int, w io.Writer) error {
	ctx, release, err := e.reserve(ctx, "read back")
	if err != nil {
		return err
	}
	defer release()

	for done := 0; done < n; {
		cnt := min(e.chunkSize, n-done)
		data, err := e.c.ReadMemory(ctx, addr+uint32(done), cnt)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		done += cnt
	}
	return nil
}
