package devicedb

import (
	"fmt"
	"strconv"
	"strings"
)

// descFile is the root of a descriptor file.
//
//	family "nRF52" {
//	    port swd
//	    partreg 0x10000100
//	    nvmc 0x4001E000
//	    device "nRF52832" part 0x52832 {
//	        flash "code" start 0x0 size 512K sector 4K
//	        ram start 0x20000000 size 64K
//	    }
//	}
type descFile struct {
	Families []*familyDecl `@@*`
}

type familyDecl struct {
	Name    string         `"family" @String "{"`
	Entries []*familyEntry `@@* "}"`
}

type familyEntry struct {
	Port     string      `  "port" @Ident`
	PartReg  *number     `| "partreg" @(Hex | Int)`
	PartMask *number     `| "partmask" @(Hex | Int)`
	NVMC     *number     `| "nvmc" @(Hex | Int)`
	Device   *deviceDecl `| @@`
}

type deviceDecl struct {
	Name    string         `"device" @String`
	Part    number         `"part" @(Hex | Int) "{"`
	Entries []*deviceEntry `@@* "}"`
}

type deviceEntry struct {
	Flash *flashDecl `  @@`
	RAM   *ramDecl   `| @@`
}

type flashDecl struct {
	Name   string `"flash" @String`
	Start  number `"start" @(Hex | Int)`
	Size   number `"size" @(Hex | Int)`
	Sector number `"sector" @(Hex | Int)`
}

type ramDecl struct {
	Start number `"ram" "start" @(Hex | Int)`
	Size  number `"size" @(Hex | Int)`
}

// number accepts 0x-prefixed hex, decimal, and K/M suffixed sizes.
type number uint64

func (n *number) Capture(values []string) error {
	s := strings.ReplaceAll(values[0], "_", "")
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K") || strings.HasSuffix(s, "k"):
		mult, s = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "M") || strings.HasSuffix(s, "m"):
		mult, s = 1<<20, s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", values[0], err)
	}
	*n = number(v * mult)
	return nil
}
