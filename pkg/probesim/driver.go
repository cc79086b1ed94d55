package probesim

import (
	"context"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/transport"
)

// DefaultName is the probe created on demand for "sim" and "sim:default".
const DefaultName = "default"

// Serve answers framed commands on rwc until it fails or is closed.
func (p *Probe) Serve(rwc io.ReadWriter) error {
	fr := transport.NewFrameReader(rwc)
	for {
		seq, payload, err := fr.ReadFrame()
		if err != nil {
			return err
		}
		resp, ok := p.Handle(payload)
		if !ok {
			continue
		}
		if d := p.responseDelay(); d > 0 {
			time.Sleep(d)
		}
		buf, err := transport.AppendFrame(nil, seq, resp)
		if err != nil {
			return err
		}
		if _, err := rwc.Write(buf); err != nil {
			return err
		}
	}
}

// Dial returns a host-side link to the probe over an in-memory pipe.
func (p *Probe) Dial() transport.Link {
	host, dev := net.Pipe()
	p.mu.Lock()
	p.pipes = append(p.pipes, dev)
	p.mu.Unlock()
	go func() {
		_ = p.Serve(dev)
		dev.Close()
	}()
	return transport.NewStreamLink(host)
}

// Connect opens a transport connection to the probe without going through
// the driver registry.
func (p *Probe) Connect() *transport.Connection {
	return transport.NewConnection(p.Dial(), p.linkInfo("sim:direct"))
}

// Unplug drops every link to the probe, as if its cable was pulled.
func (p *Probe) Unplug() {
	p.mu.Lock()
	pipes := p.pipes
	p.pipes = nil
	p.port = 0
	p.mu.Unlock()
	for _, c := range pipes {
		c.Close()
	}
}

func (p *Probe) linkInfo(id string) transport.Info {
	return transport.Info{
		Kind:      transport.InterfaceKindSim,
		ProbeID:   id,
		Serial:    p.cfg.Serial,
		LinkSpeed: 12_000_000,
		MaxPacket: p.cfg.PacketSize,
	}
}

var (
	hubMu sync.Mutex
	hub   = make(map[string]*Probe)
)

func init() {
	transport.Register("sim", driver{})
}

// Install makes p reachable as "sim:name" and returns a function removing
// it again.
func Install(name string, p *Probe) func() {
	hubMu.Lock()
	hub[name] = p
	hubMu.Unlock()
	return func() {
		hubMu.Lock()
		if hub[name] == p {
			delete(hub, name)
		}
		hubMu.Unlock()
	}
}

// Lookup returns the probe installed under name.
func Lookup(name string) (*Probe, bool) {
	hubMu.Lock()
	defer hubMu.Unlock()
	p, ok := hub[name]
	return p, ok
}

type driver struct{}

func (driver) Open(ctx context.Context, address string) (transport.Link, transport.Info, error) {
	name := address
	if name == "" {
		name = DefaultName
	}
	hubMu.Lock()
	p, ok := hub[name]
	if !ok && name == DefaultName {
		p = New(DefaultConfig())
		hub[name] = p
		ok = true
	}
	hubMu.Unlock()
	if !ok {
		return nil, transport.Info{}, proberr.Newf(proberr.NotFound, "open", "no simulated probe named %q", name)
	}
	return p.Dial(), p.linkInfo("sim:" + name), nil
}

func (driver) Discover(ctx context.Context) ([]transport.InterfaceInfo, error) {
	hubMu.Lock()
	names := []string{DefaultName}
	for n := range hub {
		if n != DefaultName {
			names = append(names, n)
		}
	}
	hubMu.Unlock()
	sort.Strings(names[1:])

	out := make([]transport.InterfaceInfo, 0, len(names))
	for _, n := range names {
		desc := "Simulator (no hardware)"
		if n != DefaultName {
			desc = "Simulator " + n
		}
		out = append(out, transport.InterfaceInfo{
			Kind:        transport.InterfaceKindSim,
			ProbeID:     "sim:" + n,
			Description: desc,
		})
	}
	return out, nil
}
