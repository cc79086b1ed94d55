// Package trace records the command exchanges of probe sessions as a
// stream of CBOR events, one per command sent and one per response or
// failure.
package trace

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction tells whether an event is a command or its answer.
type Direction uint8

const (
	DirOut Direction = 1 // host to probe
	DirIn  Direction = 2 // probe to host
)

func (d Direction) String() string {
	switch d {
	case DirOut:
		return "->"
	case DirIn:
		return "<-"
	}
	return "??"
}

// Event is one traced exchange half.
type Event struct {
	Session uuid.UUID `cbor:"1,keyasint"`
	Seq     uint64    `cbor:"2,keyasint"`
	Time    time.Time `cbor:"3,keyasint"`
	Dir     Direction `cbor:"4,keyasint"`

	// Cmd is the CMSIS-DAP command id the exchange belongs to.
	Cmd     byte   `cbor:"5,keyasint"`
	Payload []byte `cbor:"6,keyasint,omitempty"`

	// Err is set on inbound events when no valid response arrived.
	Err      string        `cbor:"7,keyasint,omitempty"`
	Duration time.Duration `cbor:"8,keyasint,omitempty"`
}

var cmdNames = map[byte]string{
	0x00: "Info",
	0x01: "HostStatus",
	0x02: "Connect",
	0x03: "Disconnect",
	0x04: "TransferConfigure",
	0x05: "Transfer",
	0x06: "TransferBlock",
	0x07: "TransferAbort",
	0x0A: "ResetTarget",
	0x11: "SWJClock",
	0x12: "SWJSequence",
	0x13: "SWDConfigure",
}

// CommandName returns the mnemonic for a CMSIS-DAP command id.
func CommandName(cmd byte) string {
	if n, ok := cmdNames[cmd]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", cmd)
}

// String formats the event as one dump line.
func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s #%d %s %-17s", e.Time.Format("15:04:05.000000"),
		e.Session.String()[:8], e.Seq, e.Dir, CommandName(e.Cmd))
	if e.Dir == DirIn {
		fmt.Fprintf(&b, " %8s", e.Duration.Round(time.Microsecond))
	}
	if e.Err != "" {
		fmt.Fprintf(&b, " error: %s", e.Err)
		return b.String()
	}
	if len(e.Payload) > 0 {
		fmt.Fprintf(&b, " % X", e.Payload)
	}
	return b.String()
}
