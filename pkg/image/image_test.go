package image

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

// record formats one Intel HEX line.
func record(typ byte, addr uint16, data []byte) string {
	sum := byte(len(data)) + byte(addr>>8) + byte(addr) + typ
	var b strings.Builder
	fmt.Fprintf(&b, ":%02X%04X%02X", len(data), addr, typ)
	for _, d := range data {
		fmt.Fprintf(&b, "%02X", d)
		sum += d
	}
	fmt.Fprintf(&b, "%02X\n", byte(-int8(sum)))
	return b.String()
}

func hexFile(segs ...Segment) string {
	var b strings.Builder
	upper := -1
	for _, s := range segs {
		for off := 0; off < len(s.Data); off += 16 {
			addr := s.Address + uint32(off)
			if int(addr>>16) != upper {
				upper = int(addr >> 16)
				b.WriteString(record(0x04, 0, []byte{byte(upper >> 8), byte(upper)}))
			}
			end := min(off+16, len(s.Data))
			b.WriteString(record(0x00, uint16(addr), s.Data[off:end]))
		}
	}
	b.WriteString(record(0x01, 0, nil))
	return b.String()
}

func testDevice(t *testing.T) devicedb.Device {
	t.Helper()
	db, err := devicedb.ParseString(`
family "Tiny" {
    port swd
    partreg 0x10000100
    nvmc 0x4001E000
    device "tiny" part 0x1234 {
        flash "code" start 0 size 16K sector 1K
        flash "uicr" start 0x10001000 size 1K sector 1K
        ram start 0x20000000 size 8K
    }
}`)
	require.NoError(t, err)
	dev, ok := db.LookupName("tiny")
	require.True(t, ok)
	return dev
}

func seq(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i) + seed
	}
	return out
}

func TestLoadHex(t *testing.T) {
	src := hexFile(
		Segment{Address: 0x100, Data: seq(40, 1)},
		Segment{Address: 0x10001000, Data: seq(8, 0x80)},
	)
	im, err := LoadHex(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, im.Segments, 2)
	assert.Equal(t, uint32(0x100), im.Segments[0].Address)
	assert.Equal(t, seq(40, 1), im.Segments[0].Data)
	assert.Equal(t, uint32(0x10001000), im.Segments[1].Address)
	assert.Equal(t, 48, im.Size())
}

func TestLoadHexRejectsGarbage(t *testing.T) {
	_, err := LoadHex(strings.NewReader(":zz\n"))
	require.True(t, proberr.Is(err, proberr.InvalidJob), "got %v", err)

	_, err = LoadHex(strings.NewReader(record(0x01, 0, nil)))
	require.True(t, proberr.Is(err, proberr.InvalidJob), "got %v", err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "app.bin")
	require.NoError(t, os.WriteFile(bin, seq(10, 3), 0o644))
	hex := filepath.Join(dir, "app.hex")
	require.NoError(t, os.WriteFile(hex, []byte(hexFile(Segment{Address: 0x20, Data: seq(4, 9)})), 0o644))

	im, err := LoadFile(bin, 0x800)
	require.NoError(t, err)
	assert.Equal(t, "app.bin", im.Name)
	assert.Equal(t, []Segment{{Address: 0x800, Data: seq(10, 3)}}, im.Segments)

	im, err = LoadFile(hex, 0x800)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20), im.Segments[0].Address)

	_, err = LoadBinary(bytes.NewReader(nil), 0)
	require.True(t, proberr.Is(err, proberr.InvalidJob))
}

func TestJobsSplitAndMerge(t *testing.T) {
	dev := testDevice(t)
	im := &Image{Segments: []Segment{
		{Address: 0x10, Data: seq(16, 0)},
		{Address: 0x300, Data: seq(0x200, 0)}, // shares sector 0, runs into sector 1
		{Address: 0x1000, Data: seq(4, 0)},
		{Address: 0x10001000, Data: seq(4, 0)},
	}}

	jobs, err := im.Jobs(dev, flash.VerifyChecksum)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, uint32(0x10), jobs[0].Address)
	assert.Len(t, jobs[0].Data, 0x500-0x10)
	assert.Equal(t, seq(16, 0), jobs[0].Data[:16])
	assert.Equal(t, byte(0xFF), jobs[0].Data[16])
	assert.Equal(t, seq(0x200, 0), jobs[0].Data[0x300-0x10:])
	assert.Equal(t, flash.VerifyChecksum, jobs[0].Verify)

	assert.Equal(t, uint32(0x1000), jobs[1].Address)
	assert.Equal(t, "uicr", jobs[2].Region.Name)
	for _, j := range jobs {
		require.NoError(t, j.Validate())
	}
}

func TestJobsRejectDataOutsideFlash(t *testing.T) {
	dev := testDevice(t)
	im := &Image{Segments: []Segment{{Address: 0x3FF0, Data: seq(32, 0)}}}

	_, err := im.Jobs(dev, flash.VerifyReadback)
	pe, ok := proberr.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, proberr.InvalidJob, pe.Kind)
	assert.Equal(t, uint32(0x4000), pe.Address)
	assert.Equal(t, 16, pe.Offset)
}

func TestMerge(t *testing.T) {
	boot := &Image{Name: "boot.hex", Segments: []Segment{{Address: 0x1000, Data: []byte{1, 2, 3, 4}}}}
	app := &Image{Name: "app.hex", Segments: []Segment{
		{Address: 0x0800, Data: []byte{5, 6}},
		{Address: 0x1100, Data: []byte{7, 8}},
	}}

	im, err := Merge(boot, app)
	require.NoError(t, err)
	assert.Equal(t, "boot.hex+app.hex", im.Name)
	require.Len(t, im.Segments, 3)
	assert.Equal(t, []uint32{0x0800, 0x1000, 0x1100},
		[]uint32{im.Segments[0].Address, im.Segments[1].Address, im.Segments[2].Address})

	jobs, err := im.Jobs(testDevice(t), flash.VerifyReadback)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, uint32(0x1000), jobs[1].Address)
	assert.Len(t, jobs[1].Data, 0x102)

	clash := &Image{Name: "clash.hex", Segments: []Segment{{Address: 0x1002, Data: []byte{9}}}}
	_, err = Merge(boot, clash)
	require.Error(t, err)
	assert.True(t, proberr.Is(err, proberr.InvalidJob))
	pe, ok := proberr.As(err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x1002), pe.Address)
	assert.Contains(t, err.Error(), "clash.hex")
}
