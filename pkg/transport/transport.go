// Package transport opens byte channels to debug probes. It only knows about
// framing, timeouts and handle ownership; command semantics live in the
// session and dap packages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

// Link is a raw, already-open probe channel. Implementations deliver whole
// response payloads and are responsible for discarding responses that
// belong to an earlier, timed-out request.
type Link interface {
	Send(ctx context.Context, payload []byte) error
	// Receive blocks until a response for the last Send arrives or ctx is
	// done, in which case it returns ctx.Err().
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Info describes an open link.
type Info struct {
	Kind      InterfaceKind
	ProbeID   string
	Serial    string
	LinkSpeed int64 // bits per second, 0 if unknown
	MaxPacket int // largest payload accepted by Send
}

// Driver opens links for one probe id scheme ("usb", "serial", ...).
type Driver interface {
	Open(ctx context.Context, address string) (Link, Info, error)
}

// Discoverer is implemented by drivers that can enumerate attached probes.
type Discoverer interface {
	Discover(ctx context.Context) ([]InterfaceInfo, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)

	openMu sync.Mutex
	open   = make(map[string]struct{})
)

// Register makes a driver available under scheme. Registering the same
// scheme twice replaces the earlier driver.
func Register(scheme string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[scheme] = d
}

// Schemes lists the registered probe id schemes.
func Schemes() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for s := range drivers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func lookupDriver(scheme string) (Driver, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[scheme]
	return d, ok
}

// SplitProbeID splits "scheme:address" into its parts. An id without a
// colon is treated as a bare scheme with an empty address.
func SplitProbeID(probeID string) (scheme, address string) {
	scheme, address, _ = strings.Cut(probeID, ":")
	return strings.ToLower(scheme), address
}

// OpenOption customises Open.
type OpenOption func(*openConfig)

type openConfig struct {
	log zerolog.Logger
}

// WithLogger sets the logger used by the returned connection.
func WithLogger(l zerolog.Logger) OpenOption {
	return func(c *openConfig) { c.log = l }
}

// Open acquires an exclusive handle on the probe identified by probeID.
//
// It fails with NotFound when no such probe exists, Busy when the probe is
// already held (by this process or another), and DriverMissing when the
// vendor library backing the scheme cannot be located.
func Open(ctx context.Context, probeID string, opts ...OpenOption) (*Connection, error) {
	cfg := openConfig{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	scheme, address := SplitProbeID(probeID)
	d, ok := lookupDriver(scheme)
	if !ok {
		return nil, proberr.Newf(proberr.NotFound, "open", "unknown probe scheme %q (known: %s)",
			scheme, strings.Join(Schemes(), ", "))
	}

	key := scheme + ":" + address
	if !holdHandle(key) {
		return nil, proberr.Newf(proberr.Busy, "open", "probe %s is already open", key)
	}

	link, info, err := d.Open(ctx, address)
	if err != nil {
		releaseHandle(key)
		return nil, classifyOpenError(err)
	}
	if info.ProbeID == "" {
		info.ProbeID = key
	}

	// Aliases ("sim" and "sim:default", a port with and without its baud
	// rate) resolve to the same probe id once the driver has opened them.
	handles := []string{key}
	if info.ProbeID != key {
		if !holdHandle(info.ProbeID) {
			_ = link.Close()
			releaseHandle(key)
			return nil, proberr.Newf(proberr.Busy, "open", "probe %s is already open", info.ProbeID)
		}
		handles = append(handles, info.ProbeID)
	}

	conn := NewConnection(link, info)
	conn.log = cfg.log.With().Str("probe", info.ProbeID).Logger()
	conn.handles = handles
	conn.log.Debug().Str("kind", string(info.Kind)).Int64("link_speed", info.LinkSpeed).Msg("probe opened")
	return conn, nil
}

func holdHandle(key string) bool {
	openMu.Lock()
	defer openMu.Unlock()
	if _, held := open[key]; held {
		return false
	}
	open[key] = struct{}{}
	return true
}

func releaseHandle(key string) {
	openMu.Lock()
	delete(open, key)
	openMu.Unlock()
}

func classifyOpenError(err error) error {
	if _, ok := proberr.As(err); ok {
		return err
	}
	return proberr.Wrap(proberr.LinkError, "open", err)
}

// Connection is an open probe channel. It is owned by at most one session
// at a time (see Claim) and is not safe for concurrent command issuance;
// the session serialises access.
type Connection struct {
	link    Link
	info    Info
	handles []string
	log     zerolog.Logger

	closed  atomic.Bool
	claimed atomic.Bool
	once    sync.Once
}

// NewConnection wraps an already-open link. Most callers use Open instead.
func NewConnection(link Link, info Info) *Connection {
	return &Connection{link: link, info: info, log: zerolog.Nop()}
}

// Info returns the link description captured at open time.
func (c *Connection) Info() Info { return c.info }

// ProbeID returns the probe identifier, e.g. "usb:2E8A:000C:E66038B7".
func (c *Connection) ProbeID() string { return c.info.ProbeID }

// LinkSpeed returns the link speed in bits per second, 0 if unknown.
func (c *Connection) LinkSpeed() int64 { return c.info.LinkSpeed }

// IsOpen reports whether the connection is still usable.
func (c *Connection) IsOpen() bool { return !c.closed.Load() }

// Claim marks the connection as owned. It returns false when another owner
// already holds it.
func (c *Connection) Claim() bool { return c.claimed.CompareAndSwap(false, true) }

// Release drops ownership taken with Claim.
func (c *Connection) Release() { c.claimed.Store(false) }

// Claimed reports whether an owner holds the connection.
func (c *Connection) Claimed() bool { return c.claimed.Load() }

// Send transmits one command payload.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return proberr.New(proberr.LinkError, "send", "connection closed")
	}
	if len(payload) == 0 {
		return proberr.New(proberr.LinkError, "send", "empty payload")
	}
	if c.info.MaxPacket > 0 && len(payload) > c.info.MaxPacket {
		return proberr.Newf(proberr.LinkError, "send", "payload of %d bytes exceeds packet size %d",
			len(payload), c.info.MaxPacket)
	}
	if err := c.link.Send(ctx, payload); err != nil {
		return c.classify("send", ctx, ctx, err)
	}
	return nil
}

// Receive waits up to timeout for the response to the last Send. A zero
// timeout waits until ctx is done. A Timeout leaves the connection usable;
// any other failure is fatal and closes it.
func (c *Connection) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, proberr.New(proberr.LinkError, "receive", "connection closed")
	}
	rctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := c.link.Receive(rctx)
	if err != nil {
		return nil, c.classify("receive", ctx, rctx, err)
	}
	return resp, nil
}

func (c *Connection) classify(op string, parent, ctx context.Context, err error) error {
	if pe, ok := proberr.As(err); ok {
		if pe.Kind == proberr.LinkError {
			c.fail(err)
		}
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		if parent.Err() == nil {
			return proberr.New(proberr.Timeout, op, "no response before deadline")
		}
		return proberr.Wrap(proberr.Timeout, op, parent.Err())
	}
	c.fail(err)
	return proberr.Wrap(proberr.LinkError, op, err)
}

func (c *Connection) fail(cause error) {
	c.log.Warn().Err(cause).Msg("fatal link error, closing connection")
	_ = c.Close()
}

// Close releases the probe handle. Calling Close more than once is a no-op.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.link.Close()
		for _, h := range c.handles {
			releaseHandle(h)
		}
		if err != nil {
			err = fmt.Errorf("close %s: %w", c.info.ProbeID, err)
		}
	})
	return err
}
