// Package image loads firmware images and splits them into flash jobs.
package image

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marcinbor85/gohex"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

// Segment is a contiguous run of image bytes.
type Segment struct {
	Address uint32
	Data    []byte
}

// End returns the first address past the segment.
func (s Segment) End() uint64 { return uint64(s.Address) + uint64(len(s.Data)) }

// Image is a firmware image made of non-overlapping segments sorted by
// address.
type Image struct {
	Name     string
	Segments []Segment
}

// Size returns the number of payload bytes.
func (im *Image) Size() int {
	n := 0
	for _, s := range im.Segments {
		n += len(s.Data)
	}
	return n
}

// LoadHex parses an Intel HEX stream.
func LoadHex(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, proberr.Wrap(proberr.InvalidJob, "load hex", err)
	}
	im := &Image{}
	for _, seg := range mem.GetDataSegments() {
		if len(seg.Data) == 0 {
			continue
		}
		im.Segments = append(im.Segments, Segment{Address: seg.Address, Data: seg.Data})
	}
	sort.Slice(im.Segments, func(i, j int) bool { return im.Segments[i].Address < im.Segments[j].Address })
	if len(im.Segments) == 0 {
		return nil, proberr.New(proberr.InvalidJob, "load hex", "image holds no data")
	}
	return im, nil
}

// LoadBinary reads a raw image to be placed at base.
func LoadBinary(r io.Reader, base uint32) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return nil, proberr.New(proberr.InvalidJob, "load binary", "image is empty")
	}
	return &Image{Segments: []Segment{{Address: base, Data: data}}}, nil
}

// LoadFile loads path as Intel HEX when its extension says so and as a raw
// binary at base otherwise.
func LoadFile(path string, base uint32) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var im *Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx":
		im, err = LoadHex(f)
	default:
		im, err = LoadBinary(f, base)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	im.Name = filepath.Base(path)
	return im, nil
}

// Merge combines images into one so that sectors shared between them are
// erased and written once. Images whose bytes overlap fail with InvalidJob.
func Merge(images ...*Image) (*Image, error) {
	type owned struct {
		Segment
		from string
	}
	var segs []owned
	names := make([]string, 0, len(images))
	for _, im := range images {
		names = append(names, im.Name)
		for _, seg := range im.Segments {
			segs = append(segs, owned{seg, im.Name})
		}
	}
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })

	out := &Image{Name: strings.Join(names, "+")}
	for i, seg := range segs {
		if i > 0 && uint64(seg.Address) < segs[i-1].End() {
			prev := segs[i-1]
			return nil, proberr.Newf(proberr.InvalidJob, "merge",
				"%s overlaps %s at 0x%08X", seg.from, prev.from, seg.Address).AtAddress(seg.Address)
		}
		out.Segments = append(out.Segments, seg.Segment)
	}
	return out, nil
}

// Jobs splits the image into one flash job per run of sectors in each
// region of dev. Segments sharing a sector are merged, with erased bytes
// filling the gap, so no sector is erased twice. Bytes outside every flash
// region fail with InvalidJob.
func (im *Image) Jobs(dev devicedb.Device, mode flash.VerifyMode) ([]flash.Job, error) {
	var pieces []flash.Job
	for _, seg := range im.Segments {
		for off := 0; off < len(seg.Data); {
			addr := seg.Address + uint32(off)
			region, ok := dev.RegionAt(addr)
			if !ok {
				return nil, proberr.Newf(proberr.InvalidJob, "image",
					"data at 0x%08X is outside the flash of %s", addr, dev.Name).AtAddress(addr).AtOffset(off)
			}
			n := int(min(uint64(len(seg.Data)-off), region.End()-uint64(addr)))
			pieces = append(pieces, flash.Job{Region: region, Address: addr, Data: seg.Data[off : off+n], Verify: mode})
			off += n
		}
	}

	var jobs []flash.Job
	for _, p := range pieces {
		if len(jobs) > 0 {
			last := &jobs[len(jobs)-1]
			if last.Region.Name == p.Region.Name &&
				p.Region.SectorBase(p.Address) <= p.Region.SectorBase(uint32(last.End()-1)) {
				merged := bytes.Repeat([]byte{0xFF}, int(p.End()-uint64(last.Address)))
				copy(merged, last.Data)
				copy(merged[p.Address-last.Address:], p.Data)
				last.Data = merged
				continue
			}
		}
		jobs = append(jobs, p)
	}
	return jobs, nil
}
