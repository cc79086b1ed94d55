package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/albenik/go-serial/v2"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

// DefaultBaudrate is used when a serial probe id carries no "@baud" suffix.
const DefaultBaudrate = 921600

// serialPollMs bounds how long a blocked read waits before checking whether
// the link was closed.
const serialPollMs = 100

func init() {
	Register("serial", serialDriver{})
}

type serialDriver struct{}

// Open accepts "/dev/ttyACM0" or "/dev/ttyACM0@460800".
func (serialDriver) Open(ctx context.Context, address string) (Link, Info, error) {
	port, baud, err := parseSerialAddress(address)
	if err != nil {
		return nil, Info{}, proberr.Wrap(proberr.NotFound, "open", err)
	}

	conn, err := serial.Open(
		port,
		serial.WithBaudrate(baud),
		serial.WithDataBits(8),
		serial.WithStopBits(serial.OneStopBit),
		serial.WithParity(serial.NoParity),
		serial.WithReadTimeout(serialPollMs),
	)
	if err != nil {
		return nil, Info{}, classifySerialError(port, err)
	}
	_ = conn.ResetInputBuffer()

	info := Info{
		Kind:      InterfaceKindSerial,
		ProbeID:   "serial:" + port,
		LinkSpeed: int64(baud),
		MaxPacket: MaxFramePayload,
	}
	return NewStreamLink(&serialStream{port: conn}), info, nil
}

func parseSerialAddress(address string) (string, int, error) {
	if address == "" {
		return "", 0, errors.New("serial probe id needs a port name")
	}
	port, b, ok := strings.Cut(address, "@")
	if !ok {
		return port, DefaultBaudrate, nil
	}
	baud, err := strconv.Atoi(b)
	if err != nil || baud <= 0 {
		return "", 0, fmt.Errorf("serial address %q: bad baudrate %q", address, b)
	}
	return port, baud, nil
}

func classifySerialError(port string, err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortNotFound:
			return proberr.Wrap(proberr.NotFound, "open", fmt.Errorf("%s: %w", port, err))
		case serial.PortBusy, serial.PermissionDenied:
			return proberr.Wrap(proberr.Busy, "open", fmt.Errorf("%s: %w", port, err))
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return proberr.Wrap(proberr.NotFound, "open", fmt.Errorf("%s: %w", port, err))
	}
	return proberr.Wrap(proberr.LinkError, "open", fmt.Errorf("%s: %w", port, err))
}

// serialStream turns the port's timed reads into blocking reads so the
// frame reader only ever sees data, an error, or EOF after Close.
type serialStream struct {
	port   *serial.Port
	closed atomic.Bool
}

func (s *serialStream) Read(p []byte) (int, error) {
	for {
		n, err := s.port.Read(p)
		if s.closed.Load() {
			return 0, os.ErrClosed
		}
		if err != nil || n > 0 {
			return n, err
		}
	}
}

func (s *serialStream) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialStream) Close() error {
	s.closed.Store(true)
	return s.port.Close()
}
