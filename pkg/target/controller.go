// Package target drives a Cortex-M target through a probe session and
// tracks its execution state.
package target

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/idcode"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/session"
)

// DefaultHaltTimeout bounds how long Halt and Resume poll DHCSR.
const DefaultHaltTimeout = 500 * time.Millisecond

// Option configures a Controller.
type Option func(*Controller)

// WithHaltTimeout overrides DefaultHaltTimeout.
func WithHaltTimeout(d time.Duration) Option {
	return func(c *Controller) { c.haltTimeout = d }
}

// WithDeviceDB sets the table used by Identify.
func WithDeviceDB(db *devicedb.DB) Option {
	return func(c *Controller) { c.db = db }
}

// WithDevice skips identification and uses dev.
func WithDevice(dev devicedb.Device) Option {
	return func(c *Controller) {
		c.device = dev
		c.identified = true
	}
}

// Controller owns the target state of one session. Transitions are
// serialised; an illegal request fails with InvalidStateTransition and
// leaves the state unchanged.
type Controller struct {
	s   *session.Session
	ap  *dap.MemAP
	log zerolog.Logger
	db  *devicedb.DB

	haltTimeout time.Duration

	mu    sync.Mutex // serialises transitions and memory access
	state atomic.Int32

	devMu      sync.Mutex
	device     devicedb.Device
	identified bool

	faultErr atomic.Pointer[error]
}

// New returns a controller in StateUnknown for s. A link failure reported
// by the session moves the controller to StateError.
func New(s *session.Session, opts ...Option) *Controller {
	c := &Controller{
		s:           s,
		ap:          s.MemAP(),
		log:         s.Logger().With().Str("component", "target").Logger(),
		haltTimeout: DefaultHaltTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.db == nil {
		c.db = devicedb.Default()
	}
	s.OnFault(c.enterError)
	return c
}

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Session returns the underlying session.
func (c *Controller) Session() *session.Session { return c.s }

// Fault returns the error that moved the controller into StateError.
func (c *Controller) Fault() error {
	if p := c.faultErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Controller) enterError(cause error) {
	c.faultErr.Store(&cause)
	if prev := State(c.state.Swap(int32(StateError))); prev != StateError {
		c.log.Warn().Err(cause).Str("from", prev.String()).Msg("target state -> Error")
	}
}

// isFault reports whether err means the probe or the target is gone.
func isFault(err error) bool {
	if errors.Is(err, proberr.ErrLinkError) || errors.Is(err, proberr.ErrSessionClosed) {
		return true
	}
	var ack *dap.AckError
	return errors.As(err, &ack) && ack.Ack&0x07 == dap.AckNoAck
}

// classify returns err as a *proberr.Error, keeping the kind of any
// error it wraps.
func classify(op string, err error) error {
	var pe *proberr.Error
	if errors.As(err, &pe) {
		if pe == err {
			return err
		}
		return proberr.Wrap(pe.Kind, op, err)
	}
	if isFault(err) {
		return proberr.Wrap(proberr.LinkError, op, err)
	}
	return proberr.Wrap(proberr.NotConnected, op, err)
}

func (c *Controller) transition(ctx context.Context, a Action, do func(context.Context) error) error {
	op := string(a)
	if err := c.s.Admit(ctx, op); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.State()
	to, ok := Next(from, a)
	if !ok {
		return proberr.Newf(proberr.InvalidStateTransition, op, "cannot %s from state %s", a, from)
	}
	if err := do(ctx); err != nil {
		if isFault(err) {
			c.enterError(err)
		}
		return classify(op, err)
	}
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return proberr.Newf(proberr.InvalidStateTransition, op, "state changed to %s during %s", c.State(), a)
	}
	c.log.Debug().Str("from", from.String()).Str("state", to.String()).Msg("transition")
	return nil
}

// Connect powers up the debug port, checks the access port and enables
// halting debug. Unknown -> Connected.
func (c *Controller) Connect(ctx context.Context) error {
	return c.transition(ctx, ActionConnect, c.attach)
}

func (c *Controller) attach(ctx context.Context) error {
	c.ap.Invalidate()
	if err := c.ap.Init(ctx); err != nil {
		return fmt.Errorf("power up debug port: %w", err)
	}
	raw, err := c.ap.ReadIDR(ctx)
	if err != nil {
		return err
	}
	if idr := idcode.ParseAPIDR(raw); !idr.IsMemAP() {
		return proberr.Newf(proberr.NotConnected, "connect", "AP 0 is not a MEM-AP (IDR 0x%08X)", raw)
	}
	return c.ap.WriteU32(ctx, dap.DHCSR, dap.DBGKey|dap.CDebugEn)
}

// Halt stops the core. Connected or Running -> Halted.
func (c *Controller) Halt(ctx context.Context) error {
	return c.transition(ctx, ActionHalt, func(ctx context.Context) error {
		if err := c.ap.WriteU32(ctx, dap.DHCSR, dap.DBGKey|dap.CDebugEn|dap.CHalt); err != nil {
			return err
		}
		return c.waitHalt(ctx, true)
	})
}

// Resume lets the core run. Halted -> Running.
func (c *Controller) Resume(ctx context.Context) error {
	return c.transition(ctx, ActionResume, func(ctx context.Context) error {
		if err := c.ap.WriteU32(ctx, dap.DHCSR, dap.DBGKey|dap.CDebugEn); err != nil {
			return err
		}
		return c.waitHalt(ctx, false)
	})
}

func (c *Controller) waitHalt(ctx context.Context, halted bool) error {
	deadline := time.Now().Add(c.haltTimeout)
	for {
		v, err := c.ap.ReadU32(ctx, dap.DHCSR)
		if err != nil {
			return err
		}
		if (v&dap.SHalt != 0) == halted {
			return nil
		}
		if time.Now().After(deadline) {
			what := "halt"
			if !halted {
				what = "resume"
			}
			return proberr.Newf(proberr.Timeout, what, "core did not %s within %s (DHCSR 0x%08X)", what, c.haltTimeout, v)
		}
		select {
		case <-ctx.Done():
			return proberr.Wrap(proberr.Timeout, "halt", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

// Reset reinitialises the debug connection and resets the core.
// Error -> Connected. It needs a live session; after a link failure open
// a new session instead.
func (c *Controller) Reset(ctx context.Context) error {
	return c.transition(ctx, ActionReset, func(ctx context.Context) error {
		if err := c.attach(ctx); err != nil {
			return err
		}
		if err := c.ap.WriteU32(ctx, dap.DEMCR, 0); err != nil {
			return err
		}
		if err := c.ap.WriteU32(ctx, dap.AIRCR, dap.VectKey|dap.SysResetReq); err != nil {
			return err
		}
		// The reset drops cached AP state on some parts.
		c.ap.Invalidate()
		_, err := c.ap.ReadU32(ctx, dap.DHCSR)
		if err == nil {
			c.faultErr.Store(nil)
		}
		return err
	})
}

// EnterProgrammingMode identifies the device and puts its flash controller
// in a known idle state. Halted -> Programming.
func (c *Controller) EnterProgrammingMode(ctx context.Context) error {
	return c.transition(ctx, ActionEnterProgramming, func(ctx context.Context) error {
		dev, err := c.identify(ctx)
		if err != nil {
			return err
		}
		return c.idleNVMC(ctx, dev)
	})
}

// ExitProgrammingMode returns the flash controller to read-only.
// Programming -> Halted.
func (c *Controller) ExitProgrammingMode(ctx context.Context) error {
	return c.transition(ctx, ActionExitProgramming, func(ctx context.Context) error {
		dev, ok := c.Device()
		if !ok {
			return nil
		}
		return c.idleNVMC(ctx, dev)
	})
}

// NVMC register offsets shared with the flash engine.
const (
	NVMCReady     = 0x400
	NVMCConfig    = 0x504
	NVMCErasePage = 0x508
	NVMCEraseAll  = 0x50C
	NVMCEraseUICR = 0x514

	NVMCConfigRead  = 0
	NVMCConfigWrite = 1
	NVMCConfigErase = 2
)

func (c *Controller) idleNVMC(ctx context.Context, dev devicedb.Device) error {
	if err := c.ap.WriteU32(ctx, dev.NVMC+NVMCConfig, NVMCConfigRead); err != nil {
		return err
	}
	v, err := c.ap.ReadU32(ctx, dev.NVMC+NVMCReady)
	if err != nil {
		return err
	}
	if v&1 == 0 {
		return proberr.New(proberr.NotInProgrammingMode, "programming mode", "flash controller is busy")
	}
	return nil
}

// Identify reads the part register and resolves the device.
func (c *Controller) Identify(ctx context.Context) (devicedb.Device, error) {
	if err := c.s.Admit(ctx, "identify"); err != nil {
		return devicedb.Device{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !memoryStates[c.State()] {
		return devicedb.Device{}, proberr.Newf(proberr.NotConnected, "identify", "target is %s", c.State())
	}
	return c.identify(ctx)
}

func (c *Controller) identify(ctx context.Context) (devicedb.Device, error) {
	if dev, ok := c.Device(); ok {
		return dev, nil
	}
	for _, reg := range c.db.PartRegisters() {
		raw, err := c.ap.ReadU32(ctx, reg)
		if err != nil {
			if isFault(err) {
				return devicedb.Device{}, err
			}
			continue
		}
		if dev, ok := c.db.Identify(reg, raw); ok {
			c.devMu.Lock()
			c.device, c.identified = dev, true
			c.devMu.Unlock()
			c.log.Info().Str("device", dev.Name).Str("part", fmt.Sprintf("0x%X", raw)).Msg("device identified")
			return dev, nil
		}
	}
	return devicedb.Device{}, proberr.New(proberr.NotFound, "identify", "no known device answers its part register")
}

// Device returns the identified device.
func (c *Controller) Device() (devicedb.Device, bool) {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	return c.device, c.identified
}
