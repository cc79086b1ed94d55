// Package flash programs the on-chip flash of a target held in programming
// mode: sector erase with erased-state confirmation, chunked writes with
// readback verification and a bounded per-chunk retry.
package flash

import (
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

// VerifyMode selects how written data is checked.
type VerifyMode int

const (
	// VerifyReadback compares every chunk with its readback.
	VerifyReadback VerifyMode = iota
	// VerifyChecksum does VerifyReadback and additionally compares a
	// CRC-32 of each finished sector, catching disturbance of chunks
	// written earlier.
	VerifyChecksum
	// VerifyNone skips the readback of written data. Erased state is
	// still confirmed.
	VerifyNone
)

var verifyNames = map[VerifyMode]string{
	VerifyReadback: "readback",
	VerifyChecksum: "checksum",
	VerifyNone:     "none",
}

func (m VerifyMode) String() string {
	if n, ok := verifyNames[m]; ok {
		return n
	}
	return fmt.Sprintf("VerifyMode(%d)", int(m))
}

// ParseVerifyMode accepts the names printed by String.
func ParseVerifyMode(s string) (VerifyMode, error) {
	for m, n := range verifyNames {
		if strings.EqualFold(s, n) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown verify mode %q (want readback, checksum or none)", s)
}

// Job is one contiguous write into a flash region.
type Job struct {
	Region  devicedb.FlashRegion
	Address uint32
	Data    []byte
	Verify  VerifyMode
}

// End returns the first address past the job.
func (j Job) End() uint64 { return uint64(j.Address) + uint64(len(j.Data)) }

// Sectors returns the base addresses of the sectors the job touches.
func (j Job) Sectors() []uint32 {
	return j.Region.CoveringSectors(j.Address, len(j.Data))
}

// Validate fails with InvalidJob when the job cannot be programmed.
func (j Job) Validate() error {
	switch {
	case len(j.Data) == 0:
		return proberr.New(proberr.InvalidJob, "program", "job has no data")
	case j.Region.SectorSize == 0 || j.Region.Size == 0:
		return proberr.Newf(proberr.InvalidJob, "program", "region %q has no sectors", j.Region.Name)
	case !j.Region.Contains(j.Address, len(j.Data)):
		return proberr.Newf(proberr.InvalidJob, "program",
			"[0x%08X, 0x%08X) is outside region %s", j.Address, j.End(), j.Region).AtAddress(j.Address)
	case j.Verify < VerifyReadback || j.Verify > VerifyNone:
		return proberr.Newf(proberr.InvalidJob, "program", "unknown verify mode %d", int(j.Verify))
	}
	return nil
}

func (j Job) String() string {
	return fmt.Sprintf("%d bytes at 0x%08X in %s (verify %s)", len(j.Data), j.Address, j.Region.Name, j.Verify)
}

// image returns the job data widened to whole words with erased bytes,
// and the word-aligned start address.
func (j Job) image() (start uint32, buf []byte) {
	start = j.Address &^ 3
	end := (j.End() + 3) &^ 3
	buf = make([]byte, end-uint64(start))
	for i := range buf {
		buf[i] = 0xFF
	}
	copy(buf[j.Address-start:], j.Data)
	return start, buf
}
