package flash

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probesim"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/session"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

const tinyDesc = `
family "Tiny" {
    port swd
    partreg 0x10000100
    nvmc 0x4001E000
    device "tiny" part 0x1234 {
        flash "code" start 0 size 16K sector 1K
        flash "uicr" start 0x10001000 size 1K sector 1K
        ram start 0x20000000 size 8K
    }
}`

type rig struct {
	probe *probesim.Probe
	ctl   *target.Controller
	eng   *Engine
	code  devicedb.FlashRegion
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	db, err := devicedb.ParseString(tinyDesc)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	dev, _ := db.LookupName("tiny")
	cfg := probesim.DefaultConfig()
	cfg.Device = dev
	p := probesim.New(cfg)

	conn := p.Connect()
	s, err := session.NewManager(session.WithDeviceDB(db)).OpenSession(context.Background(), conn)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		conn.Close()
	})

	ctx := context.Background()
	c := target.New(s, target.WithDeviceDB(db))
	for _, step := range []func(context.Context) error{c.Connect, c.Halt, c.EnterProgrammingMode} {
		if err := step(ctx); err != nil {
			t.Fatalf("prepare target: %v", err)
		}
	}
	code, _ := dev.Region("code")
	return &rig{probe: p, ctl: c, eng: NewEngine(c, opts...), code: code}
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7) ^ seed
		if out[i] == 0xFF {
			out[i] = 0x5A
		}
	}
	return out
}

func TestProgramRoundTrip(t *testing.T) {
	r := newRig(t, WithChunkSize(256))
	ctx := context.Background()

	jobs := []Job{
		{Region: r.code, Address: 0, Data: pattern(2500, 0x11)},
		{Region: r.code, Address: 0x1402, Data: []byte{1, 2, 3, 4, 5, 6, 7}},
		{Region: r.code, Address: 0x2000, Data: pattern(1024, 0x22), Verify: VerifyChecksum},
		{Region: r.code, Address: 0x3000, Data: pattern(300, 0x33), Verify: VerifyNone},
	}
	for _, job := range jobs {
		rep, err := r.eng.Program(ctx, job)
		if err != nil {
			t.Fatalf("Program(%s): %v", job, err)
		}
		if rep.Committed != len(job.Data) || rep.SectorsCommitted != rep.Sectors {
			t.Fatalf("report = %+v", rep)
		}
		var buf bytes.Buffer
		if err := r.eng.ReadBack(ctx, job.Address, len(job.Data), &buf); err != nil {
			t.Fatalf("ReadBack: %v", err)
		}
		if !bytes.Equal(buf.Bytes(), job.Data) {
			t.Fatalf("readback of %s differs", job)
		}
		if err := r.eng.Verify(ctx, job); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
	if r.ctl.State() != target.StateProgramming {
		t.Fatalf("state = %s, want Programming", r.ctl.State())
	}
}

func TestOneSectorJobErasesOneSector(t *testing.T) {
	r := newRig(t)
	job := Job{Region: r.code, Address: 0x410, Data: pattern(100, 1)}

	rep, err := r.eng.Program(context.Background(), job)
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	if rep.Sectors != 1 || rep.SectorsErased != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if n := r.probe.TotalErases(); n != 1 {
		t.Fatalf("sector erases = %d, want 1", n)
	}
	if n := r.probe.EraseCount(0x400); n != 1 {
		t.Fatalf("erases of 0x400 = %d, want 1", n)
	}
}

func TestVerifyFailureOnThirdChunk(t *testing.T) {
	r := newRig(t, WithChunkSize(256), WithRetries(2))
	data := pattern(5*256, 0x40)
	job := Job{Region: r.code, Address: 0, Data: data}

	var writes atomic.Int32
	r.probe.SetHooks(probesim.Hooks{
		FlashRead: func(addr, v uint32) uint32 {
			if addr == 0x204 && v != 0xFFFFFFFF {
				return v ^ 0x100
			}
			return v
		},
		FlashWrite: func(addr, v uint32) {
			if addr == 0x200 {
				writes.Add(1)
			}
		},
	})

	rep, err := r.eng.Program(context.Background(), job)
	pe, ok := proberr.As(err)
	if !ok || pe.Kind != proberr.VerifyMismatch {
		t.Fatalf("err = %v, want VerifyMismatch", err)
	}
	if pe.Offset != 512 {
		t.Fatalf("offset = %d, want 512 (start of chunk 3)", pe.Offset)
	}
	if !pe.HasAddress || pe.Address != 0x205 {
		t.Fatalf("address = 0x%X, want first differing byte 0x205", pe.Address)
	}
	if got := writes.Load(); got != 3 {
		t.Fatalf("chunk 3 written %d times, want 1 + 2 retries", got)
	}
	if rep.Chunks != 2 || rep.Committed != 512 || rep.Retries != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if !bytes.Equal(r.probe.Flash(0, 512), data[:512]) {
		t.Fatalf("chunks 1-2 not committed")
	}
	if !bytes.Equal(r.probe.Flash(0x400, 256), bytes.Repeat([]byte{0xFF}, 256)) {
		t.Fatalf("chunk 5 written after failure")
	}
}

func TestAbortMidJob(t *testing.T) {
	r := newRig(t, WithChunkSize(256))
	ctx := context.Background()
	data := pattern(3*1024, 0x77)
	untouched := bytes.Repeat([]byte{0x00}, 1024)
	r.probe.LoadFlash(0x800, untouched)

	var h atomic.Pointer[Handle]
	r.probe.SetHooks(probesim.Hooks{
		FlashWrite: func(addr, v uint32) {
			if hh := h.Load(); hh != nil && addr == 0x500 {
				hh.Abort()
			}
		},
	})
	// The hook fires well after Start returns: sector 0 has to be erased
	// and written first.
	handle, err := r.eng.Start(ctx, Job{Region: r.code, Address: 0, Data: data})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Store(handle)

	rep, err := handle.Wait()
	pe, ok := proberr.As(err)
	if !ok || pe.Kind != proberr.Aborted {
		t.Fatalf("err = %v, want Aborted", err)
	}
	if pe.Sectors != 1 || rep.SectorsCommitted != 1 {
		t.Fatalf("committed sectors = %d/%d, want 1", pe.Sectors, rep.SectorsCommitted)
	}
	// The chunk in progress was completed.
	if !bytes.Equal(r.probe.Flash(0, 0x600), data[:0x600]) {
		t.Fatalf("committed data differs")
	}
	if !bytes.Equal(r.probe.Flash(0x600, 0x200), bytes.Repeat([]byte{0xFF}, 0x200)) {
		t.Fatalf("data written after abort")
	}
	if !bytes.Equal(r.probe.Flash(0x800, 1024), untouched) || r.probe.EraseCount(0x800) != 0 {
		t.Fatalf("later sector touched")
	}
	if r.ctl.State() != target.StateHalted || !r.probe.Halted() {
		t.Fatalf("state = %s, core halted = %v", r.ctl.State(), r.probe.Halted())
	}
	if r.ctl.Session().Busy() {
		t.Fatalf("session still reserved")
	}
}

func TestCancelBehavesLikeAbort(t *testing.T) {
	r := newRig(t, WithChunkSize(256))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.probe.SetHooks(probesim.Hooks{
		FlashWrite: func(addr, v uint32) {
			if addr == 0x100 {
				cancel()
			}
		},
	})
	rep, err := r.eng.Program(ctx, Job{Region: r.code, Address: 0, Data: pattern(2048, 3)})
	if !proberr.Is(err, proberr.Aborted) {
		t.Fatalf("err = %v, want Aborted", err)
	}
	if rep.Chunks != 2 || rep.SectorsCommitted != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestSessionBusyDuringJob(t *testing.T) {
	r := newRig(t, WithChunkSize(64))
	ctx := context.Background()

	release := make(chan struct{})
	var once sync.Once
	r.probe.SetHooks(probesim.Hooks{
		FlashWrite: func(addr, v uint32) {
			if addr == 0 {
				once.Do(func() { <-release })
			}
		},
	})
	h, err := r.eng.Start(ctx, Job{Region: r.code, Address: 0, Data: pattern(512, 9)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := r.eng.Program(ctx, Job{Region: r.code, Address: 0x1000, Data: []byte{1}}); !proberr.Is(err, proberr.SessionBusy) {
		t.Fatalf("second Program err = %v, want SessionBusy", err)
	}
	if err := r.ctl.ExitProgrammingMode(ctx); !proberr.Is(err, proberr.SessionBusy) {
		t.Fatalf("ExitProgrammingMode err = %v, want SessionBusy", err)
	}
	close(release)

	if _, err := h.Wait(); err != nil {
		t.Fatalf("job: %v", err)
	}
	if err := r.ctl.ExitProgrammingMode(ctx); err != nil {
		t.Fatalf("ExitProgrammingMode after job: %v", err)
	}
}

func TestProgramPreconditions(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	tests := []struct {
		name string
		job  Job
		want proberr.Kind
	}{
		{"empty", Job{Region: r.code, Address: 0}, proberr.InvalidJob},
		{"outside", Job{Region: r.code, Address: 0x3FF0, Data: make([]byte, 32)}, proberr.InvalidJob},
		{"bad verify", Job{Region: r.code, Data: []byte{1}, Verify: VerifyMode(9)}, proberr.InvalidJob},
	}
	for _, tt := range tests {
		if _, err := r.eng.Program(ctx, tt.job); proberr.KindOf(err) != tt.want {
			t.Errorf("%s: err = %v, want %s", tt.name, err, tt.want)
		}
	}

	if err := r.ctl.ExitProgrammingMode(ctx); err != nil {
		t.Fatalf("ExitProgrammingMode: %v", err)
	}
	_, err := r.eng.Program(ctx, Job{Region: r.code, Data: []byte{1}})
	if !proberr.Is(err, proberr.NotInProgrammingMode) {
		t.Fatalf("err = %v, want NotInProgrammingMode", err)
	}
}

func TestProgressUpdates(t *testing.T) {
	r := newRig(t, WithChunkSize(256))
	h, err := r.eng.Start(context.Background(), Job{Region: r.code, Address: 0x10, Data: pattern(1500, 5)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	var last Progress
	for p := range h.Updates() {
		if p.Committed < last.Committed {
			t.Fatalf("progress went backwards: %d after %d", p.Committed, last.Committed)
		}
		last = p
	}
	if _, err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := h.Progress(); got.Committed != 1500 || got.Percent() != 100 {
		t.Fatalf("final progress = %+v", got)
	}
}

func TestEraseOperations(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.probe.LoadFlash(0, pattern(16*1024, 1))

	n, err := r.eng.EraseSectors(ctx, r.code, 0x10, 0x20, 0xC00)
	if err != nil || n != 2 {
		t.Fatalf("EraseSectors = %d, %v", n, err)
	}
	if r.probe.EraseCount(0) != 1 || r.probe.EraseCount(0xC00) != 1 || r.probe.EraseCount(0x400) != 0 {
		t.Fatalf("wrong sectors erased")
	}
	if _, err := r.eng.EraseSectors(ctx, r.code, 0x8000); !proberr.Is(err, proberr.InvalidJob) {
		t.Fatalf("EraseSectors outside region err = %v", err)
	}

	r.probe.SetHooks(probesim.Hooks{EraseFail: func(base uint32) bool { return base == 0x800 }})
	_, err = r.eng.EraseSectors(ctx, r.code, 0x400, 0x800)
	if pe, ok := proberr.As(err); !ok || pe.Kind != proberr.EraseFailed || pe.Sectors != 1 {
		t.Fatalf("EraseSectors with stuck sector err = %v", err)
	}
	r.probe.SetHooks(probesim.Hooks{})

	if err := r.eng.EraseAll(ctx); err != nil {
		t.Fatalf("EraseAll: %v", err)
	}
	if r.probe.EraseAllCount() != 1 {
		t.Fatalf("mass erases = %d", r.probe.EraseAllCount())
	}
}

func TestVerifyReportsMismatch(t *testing.T) {
	r := newRig(t)
	data := pattern(64, 2)
	r.probe.LoadFlash(0x100, data)
	r.probe.LoadFlash(0x100+40, []byte{0xEE})
	job := Job{Region: r.code, Address: 0x101, Data: data[1:]}

	err := r.eng.Verify(context.Background(), job)
	pe, ok := proberr.As(err)
	if !ok || pe.Kind != proberr.VerifyMismatch {
		t.Fatalf("err = %v, want VerifyMismatch", err)
	}
	if pe.Address != 0x128 || pe.Offset != 39 {
		t.Fatalf("mismatch at 0x%X offset %d", pe.Address, pe.Offset)
	}
}

func TestParseVerifyMode(t *testing.T) {
	for _, m := range []VerifyMode{VerifyReadback, VerifyChecksum, VerifyNone} {
		got, err := ParseVerifyMode(m.String())
		if err != nil || got != m {
			t.Fatalf("ParseVerifyMode(%q) = %v, %v", m, got, err)
		}
	}
	if _, err := ParseVerifyMode("crc"); err == nil {
		t.Fatalf("expected error")
	}
}
