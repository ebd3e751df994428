package sigsock

import (
	"bytes"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSignature = "c2VjcmV0LWtleQ=="

// discardLogger drops everything.
func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRecord() Record {
	return Record{
		KeyMethod: "UPDATE",
		"NAME":    "sensor {7}",
		"ACTIVE":  true,
		"LEVEL":   3.5,
		"TAGS":    []any{"a", "b}", "{c"},
		"META": map[string]any{
			"NESTED": map[string]any{"K": "v"},
		},
	}
}

func mustEncode(t *testing.T, rec Record, sig string) []byte {
	t.Helper()
	data, err := Encode(rec, sig)
	require.NoError(t, err)
	return data
}

func TestNewSignature(t *testing.T) {
	assert.Equal(t, "c2VjcmV0", NewSignature("secret"))
	assert.Equal(t, NewSignature("x"), NewSignature("x"))
	assert.NotEqual(t, NewSignature("x"), NewSignature("y"))
}

func TestEncode(t *testing.T) {
	data := mustEncode(t, NewRecord(MethodAlive), testSignature)

	assert.True(t, bytes.HasPrefix(data, []byte("{")))
	assert.True(t, bytes.HasSuffix(data, []byte("}"+testSignature)))
	assert.Equal(t, `{"METHOD":"ALIVE"}`+testSignature, string(data))
}

func TestEncode_Canonical(t *testing.T) {
	a := mustEncode(t, Record{KeyMethod: "M", "B": "2", "A": "1"}, testSignature)
	b := mustEncode(t, Record{"A": "1", KeyMethod: "M", "B": "2"}, testSignature)
	assert.Equal(t, a, b)
}

func TestEncode_Errors(t *testing.T) {
	_, err := Encode(Record{"X": "y"}, testSignature)
	assert.ErrorIs(t, err, ErrMissingMethod)

	_, err = Encode(Record{KeyMethod: 7}, testSignature)
	assert.ErrorIs(t, err, ErrMissingMethod)

	_, err = Encode(NewRecord("M"), "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = Encode(Record{KeyMethod: "M", "F": func() {}}, testSignature)
	assert.Error(t, err)
}

func TestDecoder_RoundTripEveryChunkSize(t *testing.T) {
	want := sampleRecord()
	data := mustEncode(t, want, testSignature)

	for size := 1; size <= len(data); size++ {
		d := NewDecoder(testSignature, 0, discardLogger())

		var got []Record
		for off := 0; off < len(data); off += size {
			end := off + size
			if end > len(data) {
				end = len(data)
			}
			records, err := d.Feed(data[off:end])
			require.NoError(t, err, "chunk size %d", size)
			got = append(got, records...)
		}

		require.Len(t, got, 1, "chunk size %d", size)
		assert.Equal(t, want, got[0], "chunk size %d", size)
		assert.Zero(t, d.Buffered())
	}
}

func TestDecoder_RoundTripEveryCut(t *testing.T) {
	want := sampleRecord()
	data := mustEncode(t, want, testSignature)

	for cut := 1; cut < len(data); cut++ {
		d := NewDecoder(testSignature, 0, discardLogger())

		first, err := d.Feed(data[:cut])
		require.NoError(t, err)
		require.Empty(t, first, "cut %d", cut)

		second, err := d.Feed(data[cut:])
		require.NoError(t, err)
		require.Len(t, second, 1, "cut %d", cut)
		assert.Equal(t, want, second[0])
	}
}

func TestDecoder_Batch(t *testing.T) {
	r1 := NewRecord("ONE", "N", "1")
	r2 := NewRecord("TWO", "OBJ", map[string]any{"K": "v"})
	r3 := NewRecord("THREE")

	var stream []byte
	for _, r := range []Record{r1, r2, r3} {
		stream = append(stream, mustEncode(t, r, testSignature)...)
	}

	d := NewDecoder(testSignature, 0, discardLogger())
	got, err := d.Feed(stream)
	require.NoError(t, err)
	assert.Equal(t, []Record{r1, r2, r3}, got)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_PartialThenComplete(t *testing.T) {
	want := NewRecord("PING", "SEQ", "42")
	data := mustEncode(t, want, testSignature)
	half := len(data) / 2

	d := NewDecoder(testSignature, 0, discardLogger())

	got, err := d.Feed(data[:half])
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, half, d.Buffered())

	got, err = d.Feed(data[half:])
	require.NoError(t, err)
	assert.Equal(t, []Record{want}, got)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_BatchEndingMidFrame(t *testing.T) {
	r1 := NewRecord("ONE")
	r2 := NewRecord("TWO", "V", "x")
	f1 := mustEncode(t, r1, testSignature)
	f2 := mustEncode(t, r2, testSignature)

	d := NewDecoder(testSignature, 0, discardLogger())

	// The completed frame is delivered; the partial one waits.
	got, err := d.Feed(append(append([]byte{}, f1...), f2[:5]...))
	require.NoError(t, err)
	assert.Equal(t, []Record{r1}, got)
	assert.Equal(t, 5, d.Buffered())

	got, err = d.Feed(f2[5:])
	require.NoError(t, err)
	assert.Equal(t, []Record{r2}, got)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_StreamInFixedChunks(t *testing.T) {
	var (
		want   []Record
		stream []byte
	)
	for i := 0; len(stream) < 2*defaultMaxFrameSize; i++ {
		rec := NewRecord("DATA", "SEQ", strconv.Itoa(i), "PAD", strings.Repeat("x", 450+i%7))
		want = append(want, rec)
		stream = append(stream, mustEncode(t, rec, testSignature)...)
	}

	// Bounded well below the stream size but above one frame.
	d := NewDecoder(testSignature, 1024, discardLogger())

	var got []Record
	for off := 0; off < len(stream); off += defaultReadChunkLength {
		end := off + defaultReadChunkLength
		if end > len(stream) {
			end = len(stream)
		}
		records, err := d.Feed(stream[off:end])
		require.NoError(t, err, "offset %d", off)
		assert.LessOrEqual(t, d.Buffered(), 1024)
		got = append(got, records...)
	}

	require.Len(t, got, len(want))
	assert.Equal(t, want, got)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_PartialTailTooLarge(t *testing.T) {
	f1 := mustEncode(t, NewRecord("ONE"), testSignature)
	d := NewDecoder(testSignature, 16, discardLogger())

	stream := append(append([]byte{}, f1...), []byte(`{"METHOD":"`+strings.Repeat("x", 32))...)
	_, err := d.Feed(stream)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_NumbersDecodeAsFloat64(t *testing.T) {
	data := mustEncode(t, NewRecord("M", "N", 3, "BIG", int64(1)<<40), testSignature)

	d := NewDecoder(testSignature, 0, discardLogger())
	got, err := d.Feed(data)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, float64(3), got[0]["N"])
	assert.Equal(t, float64(int64(1)<<40), got[0]["BIG"])
}

func TestDecoder_SplitBeforeNestedObject(t *testing.T) {
	want := NewRecord("NEST", "INNER", map[string]any{"K": "v"})
	data := mustEncode(t, want, testSignature)
	cut := bytes.LastIndexByte(data[:len(data)-len(testSignature)-1], '{')
	require.Greater(t, cut, 0)

	d := NewDecoder(testSignature, 0, discardLogger())
	got, err := d.Feed(data[:cut])
	require.NoError(t, err)
	require.Empty(t, got)

	// The second chunk starts with '{' and is still joined to the first.
	got, err = d.Feed(data[cut:])
	require.NoError(t, err)
	assert.Equal(t, []Record{want}, got)
}

func TestDecoder_ForeignSignatureStaysBuffered(t *testing.T) {
	data := mustEncode(t, NewRecord("X"), NewSignature("other"))

	d := NewDecoder(testSignature, 0, discardLogger())
	got, err := d.Feed(data)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, len(data), d.Buffered())

	d.Reset()
	assert.Zero(t, d.Buffered())
}

func TestDecoder_Malformed(t *testing.T) {
	d := NewDecoder(testSignature, 0, discardLogger())
	_, err := d.Feed([]byte(`{"METHOD":}` + testSignature))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.Zero(t, d.Buffered())

	_, err = d.Feed([]byte(`}` + testSignature))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecoder_TooLarge(t *testing.T) {
	d := NewDecoder(testSignature, 16, discardLogger())

	_, err := d.Feed([]byte(`{"METHOD":"` + strings.Repeat("x", 32)))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_EmptyChunk(t *testing.T) {
	d := NewDecoder(testSignature, 0, nil)
	got, err := d.Feed(nil)
	assert.NoError(t, err)
	assert.Empty(t, got)
}
