package diag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
	_ "github.com/OpenTraceLab/OpenTraceProbe/pkg/probesim"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/vendorlib"
)

type fakeLib struct {
	version uint32
	symbols map[string]bool
	closed  bool
}

func (l *fakeLib) Path() string { return "/opt/SEGGER/JLink/libjlinkarm.so" }

func (l *fakeLib) Lookup(symbol string) (vendorlib.Func, error) {
	if !l.symbols[symbol] {
		return nil, proberr.Newf(proberr.DriverIncompatible, "lookup", "missing entry point %s", symbol)
	}
	return func(...uintptr) uintptr { return uintptr(l.version) }, nil
}

func (l *fakeLib) Close() error {
	l.closed = true
	return nil
}

type fakeLoader struct {
	lib *fakeLib
	err error
}

func (f fakeLoader) Load([]string) (vendorlib.Library, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.lib, nil
}

func withVersion(v uint32) *fakeLib {
	return &fakeLib{version: v, symbols: map[string]bool{"JLINKARM_GetDLLVersion": true}}
}

func TestGetDriverVersionWithoutLibrary(t *testing.T) {
	r := NewReporter(
		WithLoader(vendorlib.SystemLoader{SearchPaths: []string{t.TempDir()}}),
		WithLibraryNames("libjlinkarm-not-installed.so"),
	)
	_, err := r.GetDriverVersion(context.Background())
	require.True(t, proberr.Is(err, proberr.DriverMissing), "got %v", err)
	assert.True(t, errors.Is(err, proberr.ErrDriverMissing))
	assert.Contains(t, Explain(err), DownloadURL)
}

func TestGetDriverVersionUnloadableLibrary(t *testing.T) {
	dir := t.TempDir()
	name := "libjlinkarm-broken.so"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("truncated download"), 0o644))

	r := NewReporter(
		WithLoader(vendorlib.SystemLoader{SearchPaths: []string{dir}}),
		WithLibraryNames(name),
	)
	_, err := r.GetDriverVersion(context.Background())
	require.True(t, proberr.Is(err, proberr.DriverIncompatible), "got %v", err)
	assert.False(t, proberr.Is(err, proberr.DriverMissing))
}

func TestGetDriverVersion(t *testing.T) {
	lib := withVersion(79405)
	r := NewReporter(WithLoader(fakeLoader{lib: lib}))

	v, err := r.GetDriverVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "V7.94e", v.String())
	assert.Equal(t, lib.Path(), v.Path)
	assert.True(t, lib.closed)
}

func TestGetDriverVersionIncompatible(t *testing.T) {
	tests := []struct {
		name string
		lib  *fakeLib
	}{
		{"too old", withVersion(50210)},
		{"no version", withVersion(0)},
		{"missing entry point", &fakeLib{version: 79405}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReporter(WithLoader(fakeLoader{lib: tt.lib}))
			_, err := r.GetDriverVersion(context.Background())
			require.True(t, proberr.Is(err, proberr.DriverIncompatible), "got %v", err)
		})
	}
}

func TestGetDriverVersionWrapsPlainLoaderErrors(t *testing.T) {
	r := NewReporter(WithLoader(fakeLoader{err: errors.New("dlopen: no such file")}))
	_, err := r.GetDriverVersion(context.Background())
	require.True(t, proberr.Is(err, proberr.DriverMissing), "got %v", err)
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"V7.94e", 79405, true},
		{"6.00", 60000, true},
		{"v6.1a", 60101, true},
		{"7", 0, false},
		{"V7.94E", 0, false},
	}
	for _, tt := range tests {
		v, err := ParseVersion(tt.in)
		if tt.ok != (err == nil) {
			t.Fatalf("ParseVersion(%q) err = %v", tt.in, err)
		}
		if tt.ok && v.Raw != tt.want {
			t.Fatalf("ParseVersion(%q) = %d, want %d", tt.in, v.Raw, tt.want)
		}
	}

	old, _ := ParseVersion("V6.98")
	cur := DecodeVersion(79405)
	assert.True(t, old.Less(cur))
	assert.False(t, cur.Less(old))
}

func TestMinVersionOption(t *testing.T) {
	floor, err := ParseVersion("V7.96")
	require.NoError(t, err)
	r := NewReporter(WithLoader(fakeLoader{lib: withVersion(79405)}), WithMinVersion(floor))
	v, err := r.GetDriverVersion(context.Background())
	require.True(t, proberr.Is(err, proberr.DriverIncompatible), "got %v", err)
	assert.Equal(t, "V7.94e", v.String())
}

func TestCheck(t *testing.T) {
	r := NewReporter(WithLoader(fakeLoader{err: proberr.New(proberr.DriverMissing, "load", "not installed")}))
	rep, err := r.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, proberr.Is(rep.DriverErr, proberr.DriverMissing))
	assert.Nil(t, rep.Driver)
	assert.False(t, rep.OK())

	var ids []string
	for _, i := range rep.Interfaces {
		ids = append(ids, i.ProbeID)
	}
	assert.Contains(t, ids, "sim:default")

	r = NewReporter(WithLoader(fakeLoader{lib: withVersion(79405)}))
	rep, err = r.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep.Driver)
	assert.Equal(t, "V7.94e", rep.Driver.String())
}

func TestExplain(t *testing.T) {
	assert.Empty(t, Explain(nil))
	assert.Empty(t, Explain(errors.New("plain")))
	for _, k := range []proberr.Kind{proberr.VerifyMismatch, proberr.SessionBusy, proberr.NotInProgrammingMode} {
		assert.NotEmpty(t, Explain(proberr.New(k, "op", "msg")), k)
	}
}
