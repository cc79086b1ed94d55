// Package session negotiates with a CMSIS-DAP probe over an open transport
// connection and serialises every command sent through it.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/trace"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/transport"
)

// Defaults applied by NewManager.
const (
	DefaultClock   = 4_000_000
	DefaultTimeout = 2 * time.Second
)

// Capabilities is what the probe reported during the handshake.
type Capabilities struct {
	Vendor       string   `json:"vendor"`
	Product      string   `json:"product"`
	Serial       string   `json:"serial"`
	Firmware     string   `json:"firmware"`
	TargetVendor string   `json:"target_vendor,omitempty"`
	TargetName   string   `json:"target_name,omitempty"`
	SWD          bool     `json:"swd"`
	JTAG         bool     `json:"jtag"`
	PacketSize   int      `json:"packet_size"`
	PacketCount  int      `json:"packet_count"`
	Port         string   `json:"port"`
	Clock        uint32   `json:"clock_hz"`
	DPIDR        uint32   `json:"dpidr"`
	Driver       string   `json:"driver_version,omitempty"`
	Families     []string `json:"families"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger handed to sessions.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithSupported replaces the accepted firmware version ranges.
func WithSupported(ranges ...VersionRange) Option {
	return func(m *Manager) { m.supported = ranges }
}

// WithPort selects the wire protocol, "swd" or "jtag".
func WithPort(port string) Option {
	return func(m *Manager) { m.port = port }
}

// WithClock sets the SWJ clock in Hz.
func WithClock(hz uint32) Option {
	return func(m *Manager) { m.clock = hz }
}

// WithTimeout bounds how long a command waits for its response.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithRecorder traces every exchange.
func WithRecorder(r trace.Recorder) Option {
	return func(m *Manager) { m.rec = r }
}

// WithDriverVersion records the host driver version in the capabilities.
func WithDriverVersion(v string) Option {
	return func(m *Manager) { m.driver = v }
}

// WithDeviceDB sets the table that provides the supported family list.
func WithDeviceDB(db *devicedb.DB) Option {
	return func(m *Manager) { m.db = db }
}

// Manager opens sessions with a shared configuration.
type Manager struct {
	log       zerolog.Logger
	supported []VersionRange
	port      string
	clock     uint32
	timeout   time.Duration
	rec       trace.Recorder
	driver    string
	db        *devicedb.DB
}

// NewManager returns a Manager with defaults overridden by opts.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:       zerolog.Nop(),
		supported: DefaultSupported,
		port:      "swd",
		clock:     DefaultClock,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.db == nil {
		m.db = devicedb.Default()
	}
	return m
}

// Session is the single owner of a probe connection.
type Session struct {
	id      uuid.UUID
	conn    *transport.Connection
	log     zerolog.Logger
	timeout time.Duration
	rec     trace.Recorder

	sem    *semaphore.Weighted
	seq    atomic.Uint64
	proto  *dap.Protocol
	ap     *dap.MemAP
	caps   Capabilities
	holder atomic.Pointer[Reservation]

	closed    atomic.Bool
	closeOnce sync.Once

	faultMu sync.Mutex
	faulted bool
	onFault []func(error)
}

// OpenSession claims conn and performs the probe handshake.
//
// It fails with AlreadyOpen when another session owns conn (that session
// stays valid), VersionUnsupported when the probe firmware is outside the
// supported ranges, and HandshakeFailed for any other negotiation failure.
func (m *Manager) OpenSession(ctx context.Context, conn *transport.Connection) (*Session, error) {
	if conn == nil || !conn.IsOpen() {
		return nil, proberr.New(proberr.HandshakeFailed, "open session", "connection is closed")
	}
	if !conn.Claim() {
		return nil, proberr.Newf(proberr.AlreadyOpen, "open session", "probe %s already has a session", conn.ProbeID())
	}

	s := &Session{
		id:      uuid.New(),
		conn:    conn,
		timeout: m.timeout,
		rec:     m.rec,
		sem:     semaphore.NewWeighted(1),
		proto:   dap.NewProtocol(transport.DefaultPacketSize),
	}
	s.log = m.log.With().Str("probe", conn.ProbeID()).Str("session", s.id.String()).Logger()

	if err := s.handshake(ctx, m); err != nil {
		s.closed.Store(true)
		conn.Release()
		s.log.Debug().Err(err).Msg("handshake failed")
		return nil, err
	}
	s.log.Info().
		Str("firmware", s.caps.Firmware).
		Str("port", s.caps.Port).
		Str("dpidr", fmt.Sprintf("0x%08X", s.caps.DPIDR)).
		Msg("session open")
	return s, nil
}

// ID identifies the session in logs and traces.
func (s *Session) ID() uuid.UUID { return s.id }

// Capabilities returns the negotiated probe capabilities.
func (s *Session) Capabilities() Capabilities { return s.caps }

// Connection returns the owned connection.
func (s *Session) Connection() *transport.Connection { return s.conn }

// MemAP returns the memory access port used for target access.
func (s *Session) MemAP() *dap.MemAP { return s.ap }

// Protocol returns the command codec sized for the probe's packets.
func (s *Session) Protocol() *dap.Protocol { return s.proto }

// Logger returns the session logger.
func (s *Session) Logger() zerolog.Logger { return s.log }

// Valid reports whether commands can still be issued.
func (s *Session) Valid() bool { return !s.closed.Load() && s.conn.IsOpen() }

// OnFault registers fn to run once when the probe link fails or the
// session detects a disconnect.
func (s *Session) OnFault(fn func(error)) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.onFault = append(s.onFault, fn)
}

func (s *Session) fault(err error) {
	s.faultMu.Lock()
	if s.faulted {
		s.faultMu.Unlock()
		return
	}
	s.faulted = true
	fns := slices.Clone(s.onFault)
	s.faultMu.Unlock()

	s.log.Error().Err(err).Msg("probe link lost")
	for _, fn := range fns {
		fn(err)
	}
}

// Transact sends one command and waits for its response. Commands are
// serialised: a caller blocks until the previous exchange completes or
// ctx is done.
func (s *Session) Transact(ctx context.Context, cmd []byte) ([]byte, error) {
	if !s.Valid() {
		return nil, proberr.New(proberr.SessionClosed, "transact", "session is closed")
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, proberr.Wrap(proberr.Timeout, "transact", err)
	}
	defer s.sem.Release(1)
	return s.exchange(ctx, cmd)
}

func (s *Session) exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	seq := s.seq.Add(1)
	start := time.Now()
	s.record(trace.Event{Seq: seq, Time: start, Dir: trace.DirOut, Cmd: cmd[0], Payload: cmd})

	resp, err := s.roundTrip(ctx, cmd)

	ev := trace.Event{Seq: seq, Time: time.Now(), Dir: trace.DirIn, Cmd: cmd[0], Payload: resp, Duration: time.Since(start)}
	if err != nil {
		ev.Payload = nil
		ev.Err = err.Error()
	}
	s.record(ev)

	if err != nil {
		if proberr.Is(err, proberr.LinkError) || !s.conn.IsOpen() {
			s.fault(err)
		}
		return nil, err
	}
	return resp, nil
}

func (s *Session) roundTrip(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := s.conn.Send(ctx, cmd); err != nil {
		return nil, err
	}
	resp, err := s.conn.Receive(ctx, s.timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 || resp[0] != cmd[0] {
		return nil, proberr.Newf(proberr.LinkError, "transact",
			"response does not match command 0x%02X", cmd[0])
	}
	return resp, nil
}

func (s *Session) record(ev trace.Event) {
	if s.rec == nil {
		return
	}
	ev.Session = s.id
	s.rec.Record(ev)
}

// Close disconnects the probe, releases the connection claim and closes
// the connection. It waits for an in-flight command; calling it again is
// a no-op.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.sem.Acquire(context.Background(), 1)
		defer s.sem.Release(1)

		wasValid := s.Valid()
		s.closed.Store(true)
		if wasValid {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			if _, derr := s.exchange(ctx, s.proto.EncodeDisconnect()); derr != nil {
				s.log.Debug().Err(derr).Msg("disconnect")
			}
			cancel()
		}
		s.conn.Release()
		err = s.conn.Close()
		s.log.Info().Msg("session closed")
	})
	return err
}
