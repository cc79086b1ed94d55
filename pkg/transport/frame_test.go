package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		seq     byte
		payload []byte
	}{
		{"info request", 1, []byte{0x00, 0x04}},
		{"empty", 2, nil},
		{"max", 255, bytes.Repeat([]byte{0x5A}, MaxFramePayload)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := AppendFrame(nil, tt.seq, tt.payload)
			if err != nil {
				t.Fatalf("AppendFrame: %v", err)
			}
			seq, payload, err := NewFrameReader(bytes.NewReader(buf)).ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if seq != tt.seq || !bytes.Equal(payload, tt.payload) {
				t.Fatalf("got seq %d payload % X, want %d % X", seq, payload, tt.seq, tt.payload)
			}
		})
	}
}

func TestFrameTooLarge(t *testing.T) {
	if _, err := AppendFrame(nil, 1, make([]byte, MaxFramePayload+1)); err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameReaderResyncsAfterCorruption(t *testing.T) {
	bad, _ := AppendFrame(nil, 7, []byte{0x11, 0x22, 0x33})
	bad[5] ^= 0xFF // flip a payload byte so the CRC fails
	good, _ := AppendFrame(nil, 8, []byte{0x05, 0x00})

	stream := append([]byte{0x00, 0x13, 0x37}, bad...)
	stream = append(stream, good...)

	fr := NewFrameReader(bytes.NewReader(stream))
	seq, payload, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if seq != 8 || !bytes.Equal(payload, []byte{0x05, 0x00}) {
		t.Fatalf("got seq %d payload % X, want the intact frame", seq, payload)
	}
	if fr.Dropped == 0 {
		t.Fatalf("corrupt frame not counted")
	}
	if _, _, err := fr.ReadFrame(); err != io.EOF {
		t.Fatalf("trailing read err = %v, want EOF", err)
	}
}

func TestCRC16KnownValue(t *testing.T) {
	// CRC-16/CCITT-FALSE check value.
	if got := CRC16([]byte("123456789")); got != 0x29B1 {
		t.Fatalf("CRC16 = 0x%04X, want 0x29B1", got)
	}
}

// echoPeer answers each received frame on demand, echoing seq.
type echoPeer struct {
	conn     net.Conn
	requests chan frame
}

func newEchoPeer(conn net.Conn) *echoPeer {
	p := &echoPeer{conn: conn, requests: make(chan frame, 16)}
	go func() {
		fr := NewFrameReader(conn)
		for {
			seq, payload, err := fr.ReadFrame()
			if err != nil {
				close(p.requests)
				return
			}
			p.requests <- frame{seq: seq, payload: payload}
		}
	}()
	return p
}

func (p *echoPeer) reply(t *testing.T, req frame, payload []byte) {
	t.Helper()
	buf, _ := AppendFrame(nil, req.seq, payload)
	if _, err := p.conn.Write(buf); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

func TestStreamLinkDropsStaleResponse(t *testing.T) {
	host, probe := net.Pipe()
	peer := newEchoPeer(probe)
	link := NewStreamLink(host)
	defer link.Close()

	ctx := context.Background()
	if err := link.Send(ctx, []byte{0x00, 0x01}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	first := <-peer.requests

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err := link.Receive(tctx)
	cancel()
	if err != context.DeadlineExceeded {
		t.Fatalf("Receive err = %v, want DeadlineExceeded", err)
	}

	if err := link.Send(ctx, []byte{0x00, 0x02}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	second := <-peer.requests

	// The late answer to the first request arrives before the real one.
	peer.reply(t, first, []byte{0x00, 0x01, 'o', 'l', 'd'})
	peer.reply(t, second, []byte{0x00, 0x01, 'n', 'e', 'w'})

	got, err := link.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got[2:]) != "new" {
		t.Fatalf("Receive = %q, want the second response", got[2:])
	}
}
