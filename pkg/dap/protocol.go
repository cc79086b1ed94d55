// Package dap encodes CMSIS-DAP commands and drives an ARM ADI MEM-AP
// through them.
package dap

import (
	"encoding/binary"
	"fmt"
)

// CMSIS-DAP Command IDs
const (
	CmdInfo              = 0x00
	CmdHostStatus        = 0x01
	CmdConnect           = 0x02
	CmdDisconnect        = 0x03
	CmdTransferConfigure = 0x04
	CmdTransfer          = 0x05
	CmdTransferBlock     = 0x06
	CmdTransferAbort     = 0x07
	CmdResetTarget       = 0x0A
	CmdSWJClock          = 0x11
	CmdSWJSequence       = 0x12
	CmdSWDConfigure      = 0x13
)

// DAP_Info Info IDs
const (
	InfoVendorID     = 0x01
	InfoProductID    = 0x02
	InfoSerialNum    = 0x03
	InfoFirmwareVer  = 0x04
	InfoTargetVendor = 0x05
	InfoTargetName   = 0x06
	InfoCapabilities = 0xF0
	InfoPacketCount  = 0xFE
	InfoPacketSize   = 0xFF
)

// Capability bits reported by InfoCapabilities.
const (
	CapSWD  = 1 << 0
	CapJTAG = 1 << 1
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// Transfer acknowledge values.
const (
	AckOK       = 0x01
	AckWait     = 0x02
	AckFault    = 0x04
	AckNoAck    = 0x07
	AckMismatch = 0x10
)

// HostStatus LED types.
const (
	LEDConnect = 0
	LEDRunning = 1
)

// Protocol handles encoding/decoding of CMSIS-DAP commands.
type Protocol struct {
	PacketSize int
}

// NewProtocol creates a protocol handler for the given report size.
func NewProtocol(packetSize int) *Protocol {
	return &Protocol{PacketSize: packetSize}
}

// EncodeInfo builds a DAP_Info command
func (p *Protocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a string DAP_Info response. An empty string means the
// probe has no value for the requested id.
func (p *Protocol) DecodeInfo(resp []byte) (string, error) {
	if len(resp) < 2 {
		return "", fmt.Errorf("response too short")
	}
	if resp[0] != CmdInfo {
		return "", fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}

	length := int(resp[1])
	if len(resp) < 2+length {
		return "", fmt.Errorf("incomplete info string")
	}
	s := resp[2 : 2+length]
	// Strings are NUL terminated on the wire.
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

// DecodeInfoUint parses a numeric DAP_Info response (1, 2 or 4 bytes).
func (p *Protocol) DecodeInfoUint(resp []byte) (uint32, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("response too short")
	}
	if resp[0] != CmdInfo {
		return 0, fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}
	length := int(resp[1])
	if len(resp) < 2+length {
		return 0, fmt.Errorf("incomplete info value")
	}
	switch length {
	case 1:
		return uint32(resp[2]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(resp[2:])), nil
	case 4:
		return binary.LittleEndian.Uint32(resp[2:]), nil
	}
	return 0, fmt.Errorf("unexpected info length %d", length)
}

// EncodeHostStatus builds a DAP_HostStatus command
func (p *Protocol) EncodeHostStatus(led byte, on bool) []byte {
	v := byte(0)
	if on {
		v = 1
	}
	return []byte{CmdHostStatus, led, v}
}

// EncodeConnect builds a DAP_Connect command
func (p *Protocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response
func (p *Protocol) DecodeConnect(resp []byte) (byte, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("response too short")
	}
	if resp[0] != CmdConnect {
		return 0, fmt.Errorf("invalid command ID")
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("connection failed")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command
func (p *Protocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// EncodeTransferConfigure builds a DAP_TransferConfigure command.
func (p *Protocol) EncodeTransferConfigure(idleCycles byte, waitRetry, matchRetry uint16) []byte {
	cmd := []byte{CmdTransferConfigure, idleCycles, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(cmd[2:], waitRetry)
	binary.LittleEndian.PutUint16(cmd[4:], matchRetry)
	return cmd
}

// EncodeSWDConfigure builds a DAP_SWD_Configure command.
func (p *Protocol) EncodeSWDConfigure(cfg byte) []byte {
	return []byte{CmdSWDConfigure, cfg}
}

// EncodeSWJSequence builds a DAP_SWJ_Sequence command for up to 256 bits.
func (p *Protocol) EncodeSWJSequence(bits int, data []byte) []byte {
	cmd := make([]byte, 2, 2+len(data))
	cmd[0] = CmdSWJSequence
	cmd[1] = byte(bits) // 0 encodes 256
	return append(cmd, data...)
}

// EncodeSetClock builds a DAP_SWJ_Clock command
func (p *Protocol) EncodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// EncodeResetTarget builds a DAP_ResetTarget command
func (p *Protocol) EncodeResetTarget() []byte {
	return []byte{CmdResetTarget}
}

// DecodeStatus checks the common [cmd, status] response shape.
func (p *Protocol) DecodeStatus(cmd byte, resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("response too short")
	}
	if resp[0] != cmd {
		return fmt.Errorf("invalid command ID: 0x%02X, want 0x%02X", resp[0], cmd)
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("command 0x%02X failed (status 0x%02X)", cmd, resp[1])
	}
	return nil
}

// Transfer request bits.
const (
	reqAPnDP = 1 << 0
	reqRnW   = 1 << 1
)

// Request is one DP or AP register access inside DAP_Transfer.
type Request struct {
	AP    bool
	Read  bool
	Addr  byte // register address, only A[3:2] is used
	Value uint32
}

func (r Request) encode() byte {
	b := r.Addr & 0x0C
	if r.AP {
		b |= reqAPnDP
	}
	if r.Read {
		b |= reqRnW
	}
	return b
}

// AckError reports a transfer that the target did not acknowledge with OK.
type AckError struct {
	Ack       byte
	Completed int // transfers executed before the failing one
}

func (e *AckError) Error() string {
	var what string
	switch e.Ack & 0x07 {
	case AckWait:
		what = "WAIT"
	case AckFault:
		what = "FAULT"
	case AckNoAck:
		what = "no ACK"
	default:
		what = fmt.Sprintf("ack 0x%02X", e.Ack)
	}
	if e.Ack&AckMismatch != 0 {
		what += " (value mismatch)"
	}
	return fmt.Sprintf("transfer %d: %s", e.Completed, what)
}

// RequestSize returns the encoded size of reqs inside a DAP_Transfer.
func RequestSize(reqs []Request) int {
	n := 3
	for _, r := range reqs {
		n++
		if !r.Read {
			n += 4
		}
	}
	return n
}

// EncodeTransfer builds a DAP_Transfer command.
func (p *Protocol) EncodeTransfer(dapIndex byte, reqs []Request) []byte {
	cmd := make([]byte, 0, RequestSize(reqs))
	cmd = append(cmd, CmdTransfer, dapIndex, byte(len(reqs)))
	for _, r := range reqs {
		cmd = append(cmd, r.encode())
		if !r.Read {
			cmd = binary.LittleEndian.AppendUint32(cmd, r.Value)
		}
	}
	return cmd
}

// DecodeTransfer parses a DAP_Transfer response and returns the values of
// the read requests in order.
func (p *Protocol) DecodeTransfer(resp []byte, reqs []Request) ([]uint32, error) {
	if len(resp) < 3 {
		return nil, fmt.Errorf("response too short")
	}
	if resp[0] != CmdTransfer {
		return nil, fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}
	count, ack := int(resp[1]), resp[2]
	if ack != AckOK || count != len(reqs) {
		if ack == AckOK {
			ack = AckNoAck
		}
		return nil, &AckError{Ack: ack, Completed: count}
	}

	var values []uint32
	off := 3
	for _, r := range reqs {
		if !r.Read {
			continue
		}
		if off+4 > len(resp) {
			return nil, fmt.Errorf("incomplete transfer data")
		}
		values = append(values, binary.LittleEndian.Uint32(resp[off:]))
		off += 4
	}
	return values, nil
}

// EncodeTransferBlock builds a DAP_TransferBlock command. For reads data is
// nil and count words are requested.
func (p *Protocol) EncodeTransferBlock(dapIndex byte, r Request, count int, data []uint32) []byte {
	cmd := make([]byte, 5, 5+4*len(data))
	cmd[0] = CmdTransferBlock
	cmd[1] = dapIndex
	binary.LittleEndian.PutUint16(cmd[2:], uint16(count))
	cmd[4] = r.encode()
	for _, v := range data {
		cmd = binary.LittleEndian.AppendUint32(cmd, v)
	}
	return cmd
}

// DecodeTransferBlock parses a DAP_TransferBlock response. Writes return
// nil values on success.
func (p *Protocol) DecodeTransferBlock(resp []byte, count int, read bool) ([]uint32, error) {
	if len(resp) < 4 {
		return nil, fmt.Errorf("response too short")
	}
	if resp[0] != CmdTransferBlock {
		return nil, fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}
	done := int(binary.LittleEndian.Uint16(resp[1:]))
	ack := resp[3]
	if ack != AckOK || done != count {
		if ack == AckOK {
			ack = AckNoAck
		}
		return nil, &AckError{Ack: ack, Completed: done}
	}
	if !read {
		return nil, nil
	}
	if len(resp) < 4+4*count {
		return nil, fmt.Errorf("incomplete block data")
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(resp[4+4*i:])
	}
	return out, nil
}
