package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// Stream links (serial ports, pipes) carry CMSIS-DAP payloads inside frames:
//
//	SOF | seq | len (LE16) | payload | crc16 (LE16, over seq..payload)
//
// The sequence number is echoed by the probe so responses to a request that
// already timed out can be recognised and dropped.
const (
	FrameSOF        = 0xA5
	MaxFramePayload = 1024
	frameHeaderLen  = 4
	frameTrailerLen = 2
)

// ErrFrameTooLarge is returned when encoding a payload above MaxFramePayload.
var ErrFrameTooLarge = errors.New("frame payload too large")

// AppendFrame appends the encoded frame for payload to dst.
func AppendFrame(dst []byte, seq byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return dst, ErrFrameTooLarge
	}
	start := len(dst)
	dst = append(dst, FrameSOF, seq, 0, 0)
	binary.LittleEndian.PutUint16(dst[start+2:], uint16(len(payload)))
	dst = append(dst, payload...)
	crc := CRC16(dst[start+1:])
	return binary.LittleEndian.AppendUint16(dst, crc), nil
}

// CRC16 computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// FrameReader decodes frames from a byte stream, resynchronising on the
// next start-of-frame byte after corruption.
type FrameReader struct {
	r       *bufio.Reader
	Dropped int // frames discarded for bad length or checksum
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 2*(MaxFramePayload+frameHeaderLen+frameTrailerLen))}
}

// ReadFrame returns the next well-formed frame.
func (fr *FrameReader) ReadFrame() (seq byte, payload []byte, err error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		if b != FrameSOF {
			continue
		}

		hdr, err := fr.r.Peek(frameHeaderLen - 1)
		if err != nil {
			return 0, nil, err
		}
		n := int(binary.LittleEndian.Uint16(hdr[1:3]))
		if n > MaxFramePayload {
			fr.Dropped++
			continue
		}

		body, err := fr.r.Peek(frameHeaderLen - 1 + n + frameTrailerLen)
		if err != nil {
			return 0, nil, err
		}
		want := binary.LittleEndian.Uint16(body[len(body)-frameTrailerLen:])
		if CRC16(body[:len(body)-frameTrailerLen]) != want {
			// Leave the bytes in place so a SOF inside them can start
			// the next attempt.
			fr.Dropped++
			continue
		}

		seq = body[0]
		payload = make([]byte, n)
		copy(payload, body[frameHeaderLen-1:frameHeaderLen-1+n])
		if _, err := fr.r.Discard(len(body)); err != nil {
			return 0, nil, err
		}
		return seq, payload, nil
	}
}

type frame struct {
	seq     byte
	payload []byte
}

// streamLink adapts a framed byte stream to Link.
type streamLink struct {
	rwc io.ReadWriteCloser

	seq    atomic.Uint32
	frames chan frame
	done   chan struct{}

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
	closeErr  error
}

// NewStreamLink starts a framed link over rwc. The link owns rwc and closes
// it on Close.
func NewStreamLink(rwc io.ReadWriteCloser) Link {
	l := &streamLink{
		rwc:    rwc,
		frames: make(chan frame, 8),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *streamLink) readLoop() {
	defer close(l.frames)
	fr := NewFrameReader(l.rwc)
	for {
		seq, payload, err := fr.ReadFrame()
		if err != nil {
			l.errMu.Lock()
			l.readErr = err
			l.errMu.Unlock()
			return
		}
		select {
		case l.frames <- frame{seq: seq, payload: payload}:
		case <-l.done:
			return
		}
	}
}

func (l *streamLink) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seq := byte(l.seq.Add(1))
	buf, err := AppendFrame(nil, seq, payload)
	if err != nil {
		return err
	}
	_, err = l.rwc.Write(buf)
	return err
}

func (l *streamLink) Receive(ctx context.Context) ([]byte, error) {
	want := byte(l.seq.Load())
	for {
		select {
		case f, ok := <-l.frames:
			if !ok {
				return nil, l.err()
			}
			if f.seq != want {
				continue // response to an abandoned request
			}
			return f.payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *streamLink) err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.readErr == nil || errors.Is(l.readErr, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return l.readErr
}

func (l *streamLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.rwc.Close()
	})
	return l.closeErr
}
