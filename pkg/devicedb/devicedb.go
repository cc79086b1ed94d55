// Package devicedb holds the device descriptor table: flash and RAM layout
// plus the registers needed to identify and program each supported part.
package devicedb

import (
	_ "embed"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/alecthomas/participle/v2"
)

//go:embed devices.desc
var builtinDesc string

// FlashRegion is an erasable, programmable memory region.
type FlashRegion struct {
	Name       string
	Start      uint32
	Size       uint32
	SectorSize uint32
}

// End returns the first address past the region.
func (r FlashRegion) End() uint64 { return uint64(r.Start) + uint64(r.Size) }

// Contains reports whether [addr, addr+n) lies inside the region.
func (r FlashRegion) Contains(addr uint32, n int) bool {
	return addr >= r.Start && uint64(addr)+uint64(n) <= r.End()
}

// SectorBase returns the start of the sector holding addr.
func (r FlashRegion) SectorBase(addr uint32) uint32 {
	return r.Start + (addr-r.Start)/r.SectorSize*r.SectorSize
}

// Sectors returns the number of sectors in the region.
func (r FlashRegion) Sectors() int { return int(r.Size / r.SectorSize) }

// CoveringSectors returns the base addresses of the minimal set of sectors
// touched by [addr, addr+n), in ascending order.
func (r FlashRegion) CoveringSectors(addr uint32, n int) []uint32 {
	if n <= 0 {
		return nil
	}
	first := r.SectorBase(addr)
	last := r.SectorBase(addr + uint32(n) - 1)
	out := make([]uint32, 0, (last-first)/r.SectorSize+1)
	for s := uint64(first); s <= uint64(last); s += uint64(r.SectorSize) {
		out = append(out, uint32(s))
	}
	return out
}

func (r FlashRegion) String() string {
	return fmt.Sprintf("%s [0x%08X-0x%08X) sector 0x%X", r.Name, r.Start, r.End(), r.SectorSize)
}

// RAMRegion is a volatile memory range.
type RAMRegion struct {
	Start uint32
	Size  uint32
}

// Device describes one part.
type Device struct {
	Name     string
	Family   string
	Part     uint32 // value of the part register
	PartMask uint32 // bits of the part register compared with Part
	PartReg  uint32 // address of the part identification register
	Port     string // "swd" or "jtag"
	NVMC     uint32 // flash controller base address
	Flash    []FlashRegion
	RAM      []RAMRegion
}

// Region returns the flash region with the given name.
func (d Device) Region(name string) (FlashRegion, bool) {
	for _, r := range d.Flash {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return FlashRegion{}, false
}

// RegionAt returns the flash region containing addr.
func (d Device) RegionAt(addr uint32) (FlashRegion, bool) {
	for _, r := range d.Flash {
		if r.Contains(addr, 1) {
			return r, true
		}
	}
	return FlashRegion{}, false
}

// DB is an immutable, indexed set of devices.
type DB struct {
	devices []Device
	byName  map[string]int
	byPart  map[uint32]int
}

// Devices returns all devices sorted by name.
func (db *DB) Devices() []Device {
	return append([]Device(nil), db.devices...)
}

// Families returns the distinct family names.
func (db *DB) Families() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range db.devices {
		if !seen[d.Family] {
			seen[d.Family] = true
			out = append(out, d.Family)
		}
	}
	sort.Strings(out)
	return out
}

// LookupName finds a device by case-insensitive name.
func (db *DB) LookupName(name string) (Device, bool) {
	i, ok := db.byName[strings.ToLower(name)]
	if !ok {
		return Device{}, false
	}
	return db.devices[i], true
}

// LookupPart finds a device by its declared part number.
func (db *DB) LookupPart(part uint32) (Device, bool) {
	i, ok := db.byPart[part]
	if !ok {
		return Device{}, false
	}
	return db.devices[i], true
}

// Identify finds the device whose part matches raw, the value read from
// the part register at partReg.
func (db *DB) Identify(partReg, raw uint32) (Device, bool) {
	for _, d := range db.devices {
		if d.PartReg == partReg && raw&d.PartMask == d.Part {
			return d, true
		}
	}
	return Device{}, false
}

// PartRegisters returns the distinct part register addresses, for probing
// an unknown target.
func (db *DB) PartRegisters() []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	for _, d := range db.devices {
		if !seen[d.PartReg] {
			seen[d.PartReg] = true
			out = append(out, d.PartReg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	parserOnce sync.Once
	parser     *participle.Parser[descFile]
	parserErr  error
)

func getParser() (*participle.Parser[descFile], error) {
	parserOnce.Do(func() {
		parser, parserErr = participle.Build[descFile](
			participle.Lexer(descLexer),
			participle.Elide("Comment", "Whitespace"),
			participle.Unquote("String"),
			participle.UseLookahead(2),
		)
		if parserErr != nil {
			parserErr = fmt.Errorf("failed to build parser: %w", parserErr)
		}
	})
	return parser, parserErr
}

// Parse reads a descriptor file.
func Parse(r io.Reader) (*DB, error) {
	p, err := getParser()
	if err != nil {
		return nil, err
	}
	ast, err := p.Parse("", r)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return build(ast)
}

// ParseString parses descriptor text.
func ParseString(input string) (*DB, error) {
	return Parse(strings.NewReader(input))
}

// ParseFile parses a descriptor file from disk.
func ParseFile(filename string) (*DB, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

var (
	defaultOnce sync.Once
	defaultDB   *DB
)

// Default returns the built-in device table.
func Default() *DB {
	defaultOnce.Do(func() {
		db, err := ParseString(builtinDesc)
		if err != nil {
			panic(fmt.Sprintf("devicedb: built-in table: %v", err))
		}
		defaultDB = db
	})
	return defaultDB
}

func build(ast *descFile) (*DB, error) {
	db := &DB{byName: make(map[string]int), byPart: make(map[uint32]int)}

	for _, fam := range ast.Families {
		port := "swd"
		var partReg, nvmc uint32
		partMask := uint32(math.MaxUint32)
		var decls []*deviceDecl
		for _, e := range fam.Entries {
			switch {
			case e.Port != "":
				port = strings.ToLower(e.Port)
			case e.PartReg != nil:
				v, err := addr32(*e.PartReg, "partreg")
				if err != nil {
					return nil, fmt.Errorf("family %s: %w", fam.Name, err)
				}
				partReg = v
			case e.PartMask != nil:
				v, err := addr32(*e.PartMask, "partmask")
				if err != nil {
					return nil, fmt.Errorf("family %s: %w", fam.Name, err)
				}
				partMask = v
			case e.NVMC != nil:
				v, err := addr32(*e.NVMC, "nvmc")
				if err != nil {
					return nil, fmt.Errorf("family %s: %w", fam.Name, err)
				}
				nvmc = v
			case e.Device != nil:
				decls = append(decls, e.Device)
			}
		}
		if port != "swd" && port != "jtag" {
			return nil, fmt.Errorf("family %s: unknown port %q", fam.Name, port)
		}

		for _, dd := range decls {
			dev, err := buildDevice(dd)
			if err != nil {
				return nil, fmt.Errorf("family %s: %w", fam.Name, err)
			}
			dev.Family, dev.Port, dev.PartReg, dev.PartMask, dev.NVMC = fam.Name, port, partReg, partMask, nvmc
			db.devices = append(db.devices, dev)
		}
	}

	if err := db.index(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) index() error {
	sort.Slice(db.devices, func(i, j int) bool { return db.devices[i].Name < db.devices[j].Name })
	db.byName = make(map[string]int, len(db.devices))
	db.byPart = make(map[uint32]int, len(db.devices))
	for i, d := range db.devices {
		key := strings.ToLower(d.Name)
		if _, dup := db.byName[key]; dup {
			return fmt.Errorf("device %s declared twice", d.Name)
		}
		db.byName[key] = i
		if _, dup := db.byPart[d.Part]; dup {
			return fmt.Errorf("device %s: part 0x%X already used", d.Name, d.Part)
		}
		db.byPart[d.Part] = i
	}
	return nil
}

// Merge returns a table holding every device of over plus the devices of
// base that over does not redefine. A base device is redefined when over
// declares the same name or the same part number.
func Merge(base, over *DB) *DB {
	out := &DB{devices: over.Devices()}
	for _, d := range base.devices {
		if _, ok := over.LookupName(d.Name); ok {
			continue
		}
		if _, ok := over.LookupPart(d.Part); ok {
			continue
		}
		out.devices = append(out.devices, d)
	}
	// Names and parts are unique in both inputs and the filter above
	// removes every collision between them.
	_ = out.index()
	return out
}

func buildDevice(dd *deviceDecl) (Device, error) {
	part, err := addr32(dd.Part, "part")
	if err != nil {
		return Device{}, fmt.Errorf("device %s: %w", dd.Name, err)
	}
	dev := Device{Name: dd.Name, Part: part}

	for _, e := range dd.Entries {
		switch {
		case e.Flash != nil:
			r, err := buildFlash(e.Flash)
			if err != nil {
				return Device{}, fmt.Errorf("device %s: %w", dd.Name, err)
			}
			for _, other := range dev.Flash {
				if uint64(r.Start) < other.End() && uint64(other.Start) < r.End() {
					return Device{}, fmt.Errorf("device %s: flash %s overlaps %s", dd.Name, r.Name, other.Name)
				}
			}
			dev.Flash = append(dev.Flash, r)
		case e.RAM != nil:
			start, err := addr32(e.RAM.Start, "ram start")
			if err != nil {
				return Device{}, fmt.Errorf("device %s: %w", dd.Name, err)
			}
			size, err := addr32(e.RAM.Size, "ram size")
			if err != nil {
				return Device{}, fmt.Errorf("device %s: %w", dd.Name, err)
			}
			dev.RAM = append(dev.RAM, RAMRegion{Start: start, Size: size})
		}
	}
	if len(dev.Flash) == 0 {
		return Device{}, fmt.Errorf("device %s: no flash regions", dd.Name)
	}
	return dev, nil
}

func buildFlash(fd *flashDecl) (FlashRegion, error) {
	r := FlashRegion{Name: fd.Name}
	var err error
	if r.Start, err = addr32(fd.Start, "start"); err != nil {
		return r, err
	}
	if r.Size, err = addr32(fd.Size, "size"); err != nil {
		return r, err
	}
	if r.SectorSize, err = addr32(fd.Sector, "sector"); err != nil {
		return r, err
	}
	switch {
	case r.SectorSize == 0 || r.SectorSize%4 != 0:
		return r, fmt.Errorf("flash %s: sector size 0x%X must be a non-zero multiple of 4", r.Name, r.SectorSize)
	case r.Size == 0 || r.Size%r.SectorSize != 0:
		return r, fmt.Errorf("flash %s: size 0x%X is not a multiple of the sector size", r.Name, r.Size)
	case r.Start%r.SectorSize != 0:
		return r, fmt.Errorf("flash %s: start 0x%08X is not sector aligned", r.Name, r.Start)
	case r.End() > math.MaxUint32+1:
		return r, fmt.Errorf("flash %s: region exceeds the 32-bit address space", r.Name)
	}
	return r, nil
}

func addr32(n number, what string) (uint32, error) {
	if uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("%s 0x%X exceeds 32 bits", what, uint64(n))
	}
	return uint32(n), nil
}
