package vendorlib

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

type dllLibrary struct {
	path string
	dll  *windows.DLL
}

func openLibrary(path string) (Library, error) {
	dll, err := windows.LoadDLL(path)
	if err != nil {
		return nil, err
	}
	return &dllLibrary{path: path, dll: dll}, nil
}

func (l *dllLibrary) Path() string { return l.path }

func (l *dllLibrary) Lookup(symbol string) (Func, error) {
	proc, err := l.dll.FindProc(symbol)
	if err != nil {
		return nil, proberr.Wrap(proberr.DriverIncompatible, "lookup",
			fmt.Errorf("%s: missing entry point %s: %w", l.path, symbol, err))
	}
	return func(args ...uintptr) uintptr {
		r1, _, _ := proc.Call(args...)
		return r1
	}, nil
}

func (l *dllLibrary) Close() error {
	if l.dll == nil {
		return nil
	}
	err := l.dll.Release()
	l.dll = nil
	return err
}
