package trace

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Recorder receives traced events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ev Event)
}

// Writer streams events to an io.Writer. Encoding errors are remembered
// and reported by Err and Close; tracing never fails the traced command.
type Writer struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	err    error
	closed bool
}

// NewWriter returns a Writer encoding to w.
func NewWriter(w io.Writer) *Writer {
	t := &Writer{enc: newEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// Create opens path for appending and returns a Writer owning the file.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return NewWriter(f), nil
}

// Record encodes ev. Events recorded after Close are dropped.
func (w *Writer) Record(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.err != nil {
		return
	}
	w.err = w.enc.Encode(ev)
}

// Err returns the first encoding error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close closes the underlying file, if the Writer owns one.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.err
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Buffer keeps events in memory.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

func (b *Buffer) Record(ev Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// Reader decodes an event stream.
type Reader struct {
	dec     *cbor.Decoder
	closer  io.Closer
	session uuid.UUID
}

// NewReader reads events from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: newDecoder(r)}
}

// Open reads events from the trace file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{dec: newDecoder(f), closer: f}, nil
}

// OnlySession restricts Next to events of one session.
func (r *Reader) OnlySession(id uuid.UUID) *Reader {
	r.session = id
	return r
}

// Next returns the next event, or io.EOF at the end of the stream.
func (r *Reader) Next() (Event, error) {
	for {
		var ev Event
		if err := r.dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.session != uuid.Nil && ev.Session != r.session {
			continue
		}
		return ev, nil
	}
}

// All drains the reader.
func (r *Reader) All() ([]Event, error) {
	var out []Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// Close closes the trace file opened by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

var (
	_ Recorder = (*Writer)(nil)
	_ Recorder = (*Buffer)(nil)
)
