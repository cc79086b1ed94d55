package trace

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(id uuid.UUID, seq uint64) []Event {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	return []Event{
		{Session: id, Seq: seq, Time: at, Dir: DirOut, Cmd: 0x00, Payload: []byte{0x00, 0x04}},
		{Session: id, Seq: seq, Time: at.Add(300 * time.Microsecond), Dir: DirIn, Cmd: 0x00,
			Payload: []byte{0x00, 0x06, '2', '.', '1', '.', '1', 0}, Duration: 300 * time.Microsecond},
	}
}

func TestWriterReaderStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	a, b := uuid.New(), uuid.New()

	want := append(sample(a, 1), sample(b, 1)...)
	want = append(want, Event{Session: a, Seq: 2, Time: want[0].Time, Dir: DirIn, Cmd: 0x05, Err: "Timeout: no response"})
	for _, ev := range want {
		w.Record(ev)
	}
	require.NoError(t, w.Close())

	got, err := NewReader(bytes.NewReader(buf.Bytes())).All()
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Time.Equal(got[i].Time), "event %d time", i)
		got[i].Time = want[i].Time
		assert.Equal(t, want[i], got[i])
	}

	only, err := NewReader(bytes.NewReader(buf.Bytes())).OnlySession(b).All()
	require.NoError(t, err)
	require.Len(t, only, 2)
	assert.Equal(t, b, only[0].Session)
}

func TestCreateAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.trace")
	id := uuid.New()

	for i := 0; i < 2; i++ {
		w, err := Create(path)
		require.NoError(t, err)
		for _, ev := range sample(id, uint64(i+1)) {
			w.Record(ev)
		}
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
	}

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	events, err := r.All()
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(2), events[3].Seq)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Close())
	w.Record(sample(uuid.New(), 1)[0])
	assert.Zero(t, buf.Len())
}

func TestEventString(t *testing.T) {
	ev := sample(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), 7)
	out := ev[0].String()
	assert.Contains(t, out, "6ba7b810")
	assert.Contains(t, out, "#7 -> Info")
	assert.Contains(t, out, "00 04")

	in := Event{Dir: DirIn, Cmd: 0x05, Err: "LinkError: pipe closed"}
	assert.True(t, strings.HasSuffix(in.String(), "error: LinkError: pipe closed"))
	assert.Equal(t, "0x42", CommandName(0x42))
}
