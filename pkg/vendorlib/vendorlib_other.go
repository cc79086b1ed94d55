//go:build !darwin && !linux && !freebsd && !windows

package vendorlib

import (
	"runtime"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

func openLibrary(path string) (Library, error) {
	return nil, proberr.Newf(proberr.DriverMissing, "load", "loading %s is not supported on %s", path, runtime.GOOS)
}
