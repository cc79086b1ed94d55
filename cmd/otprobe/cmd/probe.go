package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/session"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/trace"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/transport"
)

// bench is an open probe with a session and a target controller on it.
type bench struct {
	conn *transport.Connection
	sess *session.Session
	ctl  *target.Controller
	db   *devicedb.DB
	tw   *trace.Writer
}

func openBench(ctx context.Context, extra ...session.Option) (*bench, error) {
	db, err := cfg.DeviceDB()
	if err != nil {
		return nil, fmt.Errorf("device table: %w", err)
	}
	conn, err := transport.Open(ctx, cfg.Probe, transport.WithLogger(log))
	if err != nil {
		return nil, err
	}
	b := &bench{conn: conn, db: db}

	opts := append(cfg.SessionOptions(), session.WithLogger(log), session.WithDeviceDB(db))
	if cfg.Trace != "" {
		if b.tw, err = trace.Create(cfg.Trace); err != nil {
			conn.Close()
			return nil, err
		}
		opts = append(opts, session.WithRecorder(b.tw))
	}
	opts = append(opts, extra...)

	if b.sess, err = session.NewManager(opts...).OpenSession(ctx, conn); err != nil {
		b.Close()
		return nil, err
	}
	b.ctl = target.New(b.sess, append(cfg.TargetOptions(), target.WithDeviceDB(db))...)
	return b, nil
}

// halt connects to the target and stops the core.
func (b *bench) halt(ctx context.Context) error {
	if err := b.ctl.Connect(ctx); err != nil {
		return err
	}
	return b.ctl.Halt(ctx)
}

func (b *bench) Close() error {
	var errs []error
	if b.sess != nil {
		errs = append(errs, b.sess.Close())
	}
	errs = append(errs, b.conn.Close())
	if b.tw != nil {
		errs = append(errs, b.tw.Close())
	}
	return errors.Join(errs...)
}

// parseUint32 accepts decimal, 0x hex and 0o/0b prefixed numbers.
func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(v), nil
}
