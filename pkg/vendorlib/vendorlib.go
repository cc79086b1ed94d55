// Package vendorlib locates and loads vendor probe driver libraries (the
// SEGGER J-Link DLL) without cgo.
package vendorlib

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

// Func is a resolved C entry point taking and returning machine words.
type Func func(args ...uintptr) uintptr

// Library is a loaded shared library.
type Library interface {
	Path() string
	// Lookup resolves an exported symbol. A missing symbol yields a
	// DriverIncompatible error.
	Lookup(symbol string) (Func, error)
	Close() error
}

// Loader opens a library from a list of candidate file names.
type Loader interface {
	Load(names []string) (Library, error)
}

// SystemLoader searches SearchPaths, then the platform's default library
// search order, for the first candidate that loads.
type SystemLoader struct {
	SearchPaths []string
}

// EnvJLinkPath names an environment variable holding an extra directory to
// search for the J-Link library.
const EnvJLinkPath = "JLINK_PATH"

// NewSystemLoader returns a loader searching extra, $JLINK_PATH and the
// default SEGGER install directories.
func NewSystemLoader(extra ...string) SystemLoader {
	paths := append([]string{}, extra...)
	if p := os.Getenv(EnvJLinkPath); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths, DefaultSearchPaths()...)
	return SystemLoader{SearchPaths: paths}
}

// Load tries every search path with every name, then each bare name.
func (l SystemLoader) Load(names []string) (Library, error) {
	var tried []string
	for _, dir := range l.SearchPaths {
		for _, name := range names {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			lib, err := openLibrary(p)
			if err != nil {
				// Present but unloadable, e.g. built for another architecture.
				return nil, proberr.Wrap(proberr.DriverIncompatible, "load",
					fmt.Errorf("%s: %w", p, err))
			}
			return lib, nil
		}
	}
	for _, name := range names {
		lib, err := openLibrary(name)
		if err == nil {
			return lib, nil
		}
		tried = append(tried, name)
	}
	return nil, proberr.Newf(proberr.DriverMissing, "load",
		"J-Link library not found; tried %s", strings.Join(tried, ", "))
}

// JLinkNames returns the J-Link library file names for the running platform.
func JLinkNames() []string {
	switch runtime.GOOS {
	case "windows":
		if runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64" {
			return []string{"JLink_x64.dll", "JLinkARM.dll"}
		}
		return []string{"JLinkARM.dll"}
	case "darwin":
		return []string{"libjlinkarm.dylib"}
	default:
		return []string{"libjlinkarm.so", "libjlinkarm.so.8", "libjlinkarm.so.7"}
	}
}

// DefaultSearchPaths returns the SEGGER install locations for the running
// platform.
func DefaultSearchPaths() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Program Files\SEGGER\JLink`,
			`C:\Program Files (x86)\SEGGER\JLink`,
		}
	case "darwin":
		return []string{"/Applications/SEGGER/JLink", "/usr/local/lib"}
	default:
		return []string{"/opt/SEGGER/JLink", "/usr/lib", "/usr/local/lib"}
	}
}
