//go:build darwin || linux || freebsd

package vendorlib

import (
	"fmt"

	"github.com/ebitengine/purego"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

type dlLibrary struct {
	path   string
	handle uintptr
}

func openLibrary(path string) (Library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, err
	}
	return &dlLibrary{path: path, handle: h}, nil
}

func (l *dlLibrary) Path() string { return l.path }

func (l *dlLibrary) Lookup(symbol string) (Func, error) {
	sym, err := purego.Dlsym(l.handle, symbol)
	if err != nil {
		return nil, proberr.Wrap(proberr.DriverIncompatible, "lookup",
			fmt.Errorf("%s: missing entry point %s: %w", l.path, symbol, err))
	}
	return func(args ...uintptr) uintptr {
		r1, _, _ := purego.SyscallN(sym, args...)
		return r1
	}, nil
}

func (l *dlLibrary) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}
