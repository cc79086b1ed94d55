// Package diag reports on the host side of a probe setup: the vendor
// driver library and the attached interfaces. Nothing here needs a
// session.
package diag

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/transport"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/vendorlib"
)

// DefaultMinVersion is the oldest J-Link library accepted.
const DefaultMinVersion = "V6.00"

// VersionInfo is a decoded J-Link library version, e.g. V7.94e.
type VersionInfo struct {
	Major    int    `json:"major"`
	Minor    int    `json:"minor"`
	Revision int    `json:"revision"` // 0 for none, 1 for 'a', ...
	Raw      uint32 `json:"raw"`
	Path     string `json:"path,omitempty"`
}

// DecodeVersion splits the value returned by JLINKARM_GetDLLVersion
// (major*10000 + minor*100 + revision).
func DecodeVersion(raw uint32) VersionInfo {
	return VersionInfo{
		Major:    int(raw / 10000),
		Minor:    int(raw/100) % 100,
		Revision: int(raw % 100),
		Raw:      raw,
	}
}

var versionRe = regexp.MustCompile(`^[vV]?(\d+)\.(\d{1,2})([a-z]?)$`)

// ParseVersion accepts the SEGGER notation ("V7.94e", "6.00").
func ParseVersion(s string) (VersionInfo, error) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return VersionInfo{}, fmt.Errorf("invalid J-Link version %q", s)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	v := VersionInfo{Major: major, Minor: minor}
	if m[3] != "" {
		v.Revision = int(m[3][0]-'a') + 1
	}
	v.Raw = uint32(v.Major*10000 + v.Minor*100 + v.Revision)
	return v, nil
}

func (v VersionInfo) String() string {
	s := fmt.Sprintf("V%d.%02d", v.Major, v.Minor)
	if v.Revision > 0 && v.Revision <= 26 {
		s += string(rune('a' + v.Revision - 1))
	}
	return s
}

func (v VersionInfo) semver() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// Less reports whether v is older than o.
func (v VersionInfo) Less(o VersionInfo) bool {
	return semver.Compare(v.semver(), o.semver()) < 0
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLoader replaces the system library loader.
func WithLoader(l vendorlib.Loader) Option {
	return func(r *Reporter) { r.loader = l }
}

// WithLibraryNames overrides the library file names tried.
func WithLibraryNames(names ...string) Option {
	return func(r *Reporter) { r.names = names }
}

// WithMinVersion sets the oldest accepted library version.
func WithMinVersion(v VersionInfo) Option {
	return func(r *Reporter) { r.min = v }
}

// WithLogger sets the reporter logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reporter) { r.log = l }
}

// Reporter answers driver and interface queries.
type Reporter struct {
	loader vendorlib.Loader
	names  []string
	min    VersionInfo
	log    zerolog.Logger
}

// NewReporter returns a reporter using the system loader and the
// platform's J-Link library names.
func NewReporter(opts ...Option) *Reporter {
	floor, _ := ParseVersion(DefaultMinVersion)
	r := &Reporter{
		loader: vendorlib.NewSystemLoader(),
		names:  vendorlib.JLinkNames(),
		min:    floor,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetDriverVersion loads the J-Link library and returns its version. It
// fails with DriverMissing when no library can be loaded and with
// DriverIncompatible when the library lacks the version entry point or is
// older than the configured minimum.
func (r *Reporter) GetDriverVersion(ctx context.Context) (VersionInfo, error) {
	const op = "driver version"
	if err := ctx.Err(); err != nil {
		return VersionInfo{}, proberr.Wrap(proberr.Timeout, op, err)
	}
	lib, err := r.loader.Load(r.names)
	if err != nil {
		if _, ok := proberr.As(err); ok {
			return VersionInfo{}, err
		}
		return VersionInfo{}, proberr.Wrap(proberr.DriverMissing, op, err)
	}
	defer lib.Close()

	getVersion, err := lib.Lookup("JLINKARM_GetDLLVersion")
	if err != nil {
		return VersionInfo{}, err
	}
	v := DecodeVersion(uint32(getVersion()))
	v.Path = lib.Path()
	r.log.Debug().Str("path", v.Path).Str("version", v.String()).Msg("J-Link library loaded")

	if v.Raw == 0 {
		return v, proberr.Newf(proberr.DriverIncompatible, op, "%s reports no version", v.Path)
	}
	if v.Less(r.min) {
		return v, proberr.Newf(proberr.DriverIncompatible, op,
			"%s is %s, at least %s is required", v.Path, v, r.min)
	}
	return v, nil
}

// Report is the outcome of Check.
type Report struct {
	Driver     *VersionInfo              `json:"driver,omitempty"`
	DriverErr  error                     `json:"-"`
	Interfaces []transport.InterfaceInfo `json:"interfaces"`
	ScanErr    error                     `json:"-"`
}

// OK reports whether the driver is usable and at least one interface was
// found.
func (r Report) OK() bool {
	return r.DriverErr == nil && r.ScanErr == nil && len(r.Interfaces) > 0
}

// Check queries the driver version and scans for interfaces concurrently.
// Failures of either query are recorded in the report rather than
// returned; the error is non-nil only when ctx ends first.
func (r *Reporter) Check(ctx context.Context) (Report, error) {
	var (
		mu  sync.Mutex
		rep Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := r.GetDriverVersion(gctx)
		mu.Lock()
		defer mu.Unlock()
		if err == nil || v.Raw != 0 {
			rep.Driver = &v
		}
		rep.DriverErr = err
		return nil
	})
	g.Go(func() error {
		ifaces, err := transport.DiscoverInterfaces(gctx)
		mu.Lock()
		defer mu.Unlock()
		rep.Interfaces, rep.ScanErr = ifaces, err
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return rep, proberr.Wrap(proberr.Timeout, "check", err)
	}
	return rep, nil
}
