package transport

import (
	"context"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/vendorlib"
)

func init() {
	Register("jlink", JLinkDriver{Loader: vendorlib.NewSystemLoader()})
}

// JLinkDriver gates "jlink:" probe ids on the presence of the SEGGER
// library. The native J-Link command set is not spoken; attached probes are
// reported with a pointer to their CMSIS-DAP interface instead.
type JLinkDriver struct {
	Loader vendorlib.Loader
}

func (d JLinkDriver) Open(ctx context.Context, address string) (Link, Info, error) {
	lib, err := d.Loader.Load(vendorlib.JLinkNames())
	if err != nil {
		return nil, Info{}, err
	}
	defer lib.Close()

	count, err := lib.Lookup("JLINKARM_EMU_GetNumDevices")
	if err != nil {
		return nil, Info{}, err
	}
	if count() == 0 {
		return nil, Info{}, proberr.New(proberr.NotFound, "open", "no J-Link emulator attached")
	}
	return nil, Info{}, proberr.Newf(proberr.LinkError, "open",
		"J-Link %q: native J-Link protocol is not supported; open its CMSIS-DAP interface (usb:1366:0101) instead", address)
}
