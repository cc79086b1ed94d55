package flash

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/rs/zerolog"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// Defaults applied by NewEngine.
const (
	DefaultChunkSize    = 1024
	DefaultRetries      = 3
	DefaultReadyTimeout = time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithChunkSize sets the write chunk size in bytes, rounded down to whole
// words.
func WithChunkSize(n int) Option {
	return func(e *Engine) { e.chunkSize = n &^ 3 }
}

// WithRetries bounds how often a chunk that fails verification is
// rewritten.
func WithRetries(n int) Option {
	return func(e *Engine) { e.retries = n }
}

// WithReadyTimeout bounds the wait for the flash controller.
func WithReadyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.readyTimeout = d }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine programs flash through a target controller.
type Engine struct {
	c            *target.Controller
	log          zerolog.Logger
	chunkSize    int
	retries      int
	readyTimeout time.Duration
}

// NewEngine returns an engine for the target behind c.
func NewEngine(c *target.Controller, opts ...Option) *Engine {
	e := &Engine{
		c:            c,
		log:          c.Session().Logger().With().Str("component", "flash").Logger(),
		chunkSize:    DefaultChunkSize,
		retries:      DefaultRetries,
		readyTimeout: DefaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.chunkSize < 4 {
		e.chunkSize = 4
	}
	if e.retries < 0 {
		e.retries = 0
	}
	return e
}

// Report summarises a finished, failed or aborted job.
type Report struct {
	Region           string        `json:"region"`
	Address          uint32        `json:"address"`
	Bytes            int           `json:"bytes"`
	Committed        int           `json:"committed_bytes"`
	Sectors          int           `json:"sectors"`
	SectorsErased    int           `json:"sectors_erased"`
	SectorsCommitted int           `json:"sectors_committed"`
	Chunks           int           `json:"chunks"`
	Retries          int           `json:"retries"`
	Duration         time.Duration `json:"duration"`
}

// Program runs job to completion. It is Start followed by Wait.
func (e *Engine) Program(ctx context.Context, job Job) (Report, error) {
	h, err := e.Start(ctx, job)
	if err != nil {
		return Report{}, err
	}
	return h.Wait()
}

func (e *Engine) device(op string) (devicedb.Device, error) {
	if st := e.c.State(); st != target.StateProgramming {
		return devicedb.Device{}, proberr.Newf(proberr.NotInProgrammingMode, op, "target is %s", st)
	}
	dev, ok := e.c.Device()
	if !ok {
		return devicedb.Device{}, proberr.New(proberr.NotInProgrammingMode, op, "target device not identified")
	}
	return dev, nil
}

// Start validates job, reserves the session and programs in the
// background. While the job runs, other programming requests and target
// transitions on the same session fail with SessionBusy.
func (e *Engine) Start(ctx context.Context, job Job) (*Handle, error) {
	dev, err := e.device("program")
	if err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	res, err := e.c.Session().Reserve("program")
	if err != nil {
		return nil, err
	}

	h := newHandle(job)
	run := &run{
		e:    e,
		h:    h,
		job:  job,
		nv:   &nvmc{mem: e.c, base: dev.NVMC, timeout: e.readyTimeout},
		stop: ctx,
		// Device operations finish even when ctx is cancelled; the
		// cancellation is honoured between chunks like Abort.
		ctx: res.Bind(context.WithoutCancel(ctx)),
		log: e.log.With().Str("job", job.String()).Logger(),
	}
	go func() {
		rep, err := run.program()
		res.Release()
		h.finish(rep, err)
	}()
	return h, nil
}

type run struct {
	e    *Engine
	h    *Handle
	job  Job
	nv   *nvmc
	stop context.Context
	ctx  context.Context
	log  zerolog.Logger

	rep Report
}

func (r *run) stopRequested() bool {
	if r.h.aborted() {
		return true
	}
	return r.stop.Err() != nil
}

func (r *run) program() (Report, error) {
	started := time.Now()
	r.rep = Report{
		Region:  r.job.Region.Name,
		Address: r.job.Address,
		Bytes:   len(r.job.Data),
	}
	err := r.programSectors()
	r.rep.Duration = time.Since(started)
	if err != nil {
		r.log.Warn().Err(err).Int("sectors_committed", r.rep.SectorsCommitted).Msg("programming stopped")
		return r.rep, err
	}
	r.log.Info().Int("sectors", r.rep.Sectors).Int("retries", r.rep.Retries).
		Dur("took", r.rep.Duration).Msg("programming done")
	return r.rep, nil
}

func (r *run) programSectors() error {
	region := r.job.Region
	start, buf := r.job.image()
	sectors := r.job.Sectors()
	r.rep.Sectors = len(sectors)

	for _, base := range sectors {
		if r.stopRequested() {
			return r.abort()
		}
		if err := eraseConfirmed(r.ctx, r.nv, r.e.c, region, base); err != nil {
			return withSectors(err, r.rep.SectorsCommitted)
		}
		r.rep.SectorsErased++
		r.log.Debug().Str("sector", hex32(base)).Msg("sector erased")

		// Part of the job image inside this sector.
		lo := max(base, start)
		hi := min(uint64(base)+uint64(region.SectorSize), uint64(start)+uint64(len(buf)))
		for addr := lo; uint64(addr) < hi; {
			n := min(uint64(r.e.chunkSize), hi-uint64(addr))
			chunk := buf[addr-start : uint64(addr-start)+n]
			if err := r.writeChunk(addr, chunk); err != nil {
				return err
			}
			r.rep.Chunks++
			r.rep.Committed += r.payloadBytes(addr, len(chunk))
			r.h.advance(r.rep.Committed, base)
			addr += uint32(n)

			if uint64(addr) < hi && r.stopRequested() {
				return r.abort()
			}
		}

		if r.job.Verify == VerifyChecksum {
			if err := r.checkSector(start, buf, lo, hi); err != nil {
				return err
			}
		}
		r.rep.SectorsCommitted++
	}
	return nil
}

// payloadBytes returns how many bytes of the caller's data lie in the
// widened chunk [addr, addr+n).
func (r *run) payloadBytes(addr uint32, n int) int {
	lo := max(uint64(addr), uint64(r.job.Address))
	hi := min(uint64(addr)+uint64(n), r.job.End())
	if hi <= lo {
		return 0
	}
	return int(hi - lo)
}

func (r *run) writeChunk(addr uint32, chunk []byte) error {
	words := dap.BytesToWords(chunk)
	offset := int(int64(addr) - int64(r.job.Address))
	if offset < 0 {
		offset = 0
	}
	for attempt := 0; ; attempt++ {
		if err := r.nv.write(r.ctx, addr, words); err != nil {
			return withSectors(err, r.rep.SectorsCommitted)
		}
		if r.job.Verify == VerifyNone {
			return nil
		}
		got, err := r.e.c.ReadWords(r.ctx, addr, len(words))
		if err != nil {
			return proberr.Wrap(proberr.WriteFailed, "verify", err).AtAddress(addr).WithSectors(r.rep.SectorsCommitted)
		}
		diff := firstDiff(dap.WordsToBytes(got), chunk)
		if diff < 0 {
			return nil
		}
		if attempt >= r.e.retries {
			return proberr.Newf(proberr.VerifyMismatch, "program",
				"chunk at 0x%08X differs after %d attempts", addr, attempt+1).
				AtAddress(addr + uint32(diff)).AtOffset(offset).WithSectors(r.rep.SectorsCommitted)
		}
		r.rep.Retries++
		r.log.Warn().Str("addr", hex32(addr+uint32(diff))).Int("attempt", attempt+1).Msg("chunk verify failed, rewriting")
	}
}

func (r *run) checkSector(start uint32, buf []byte, lo uint32, hi uint64) error {
	want := buf[lo-start : hi-uint64(start)]
	got, err := r.e.c.ReadWords(r.ctx, lo, len(want)/4)
	if err != nil {
		return proberr.Wrap(proberr.WriteFailed, "verify", err).AtAddress(lo).WithSectors(r.rep.SectorsCommitted)
	}
	gotBytes := dap.WordsToBytes(got)
	if crc32.ChecksumIEEE(gotBytes) == crc32.ChecksumIEEE(want) {
		return nil
	}
	diff := max(firstDiff(gotBytes, want), 0)
	return proberr.Newf(proberr.VerifyMismatch, "program", "sector checksum mismatch").
		AtAddress(lo + uint32(diff)).AtOffset(max(int(int64(lo)-int64(r.job.Address)), 0)).
		WithSectors(r.rep.SectorsCommitted)
}

// abort leaves programming mode with the core halted.
func (r *run) abort() error {
	if err := r.e.c.ExitProgrammingMode(r.ctx); err != nil {
		r.log.Warn().Err(err).Msg("leave programming mode after abort")
	}
	why := "abort requested"
	if !r.h.aborted() {
		why = r.stop.Err().Error()
	}
	return proberr.New(proberr.Aborted, "program", why).WithSectors(r.rep.SectorsCommitted)
}

// eraseConfirmed erases one sector and checks that it reads back erased.
func eraseConfirmed(ctx context.Context, nv *nvmc, mem wordIO, region devicedb.FlashRegion, base uint32) error {
	if err := nv.eraseSector(ctx, region, base); err != nil {
		return err
	}
	words, err := mem.ReadWords(ctx, base, int(region.SectorSize/4))
	if err != nil {
		return proberr.Wrap(proberr.EraseFailed, "erase", err).AtAddress(base)
	}
	for i, w := range words {
		if w != 0xFFFFFFFF {
			return proberr.Newf(proberr.EraseFailed, "erase", "sector 0x%08X not erased", base).
				AtAddress(base + uint32(4*i))
		}
	}
	return nil
}

func firstDiff(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range min(len(a), len(b)) {
		if a[i] != b[i] {
			return i
		}
	}
	return min(len(a), len(b))
}

func hex32(v uint32) string { return fmt.Sprintf("0x%08X", v) }

// withSectors records the committed-sector count on err.
func withSectors(err error, n int) error {
	if pe, ok := proberr.As(err); ok {
		pe.WithSectors(n)
	}
	return err
}
