package flash

import (
	"sync"
	"sync/atomic"
)

// Progress is a snapshot of a running job.
type Progress struct {
	Committed int    // payload bytes written and verified
	Total     int    // payload bytes in the job
	Sector    uint32 // sector being programmed
}

// Percent returns the committed share of the job, 0 to 100.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return 100 * float64(p.Committed) / float64(p.Total)
}

// Handle tracks a job started with Engine.Start.
type Handle struct {
	mu       sync.Mutex
	progress Progress
	subs     []chan Progress

	stopped atomic.Bool

	done   chan struct{}
	report Report
	err    error
}

func newHandle(job Job) *Handle {
	return &Handle{
		progress: Progress{Total: len(job.Data)},
		done:     make(chan struct{}),
	}
}

// Progress returns the latest progress snapshot.
func (h *Handle) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// Updates returns a channel receiving progress snapshots. A slow reader
// sees only the most recent snapshot. The channel is closed when the job
// ends.
func (h *Handle) Updates() <-chan Progress {
	ch := make(chan Progress, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		ch <- h.progress
		close(ch)
		return ch
	default:
	}
	h.subs = append(h.subs, ch)
	return ch
}

func (h *Handle) advance(committed int, sector uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress.Committed = committed
	h.progress.Sector = sector
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- h.progress
	}
}

// Abort asks the job to stop after the chunk in progress has been
// verified. It returns immediately; use Wait for the outcome.
func (h *Handle) Abort() { h.stopped.Store(true) }

func (h *Handle) aborted() bool { return h.stopped.Load() }

// Done is closed when the job has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job ends and returns its report and error.
func (h *Handle) Wait() (Report, error) {
	<-h.done
	return h.report, h.err
}

func (h *Handle) finish(rep Report, err error) {
	h.mu.Lock()
	h.report, h.err = rep, err
	close(h.done)
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
	h.mu.Unlock()
}
