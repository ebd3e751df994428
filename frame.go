package sigsock

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// Errors returned by the frame codec.
var (
	// ErrMissingMethod is returned when encoding a record without a string METHOD.
	ErrMissingMethod = errors.New("record has no METHOD")
	// ErrInvalidSignature is returned when a frame would be signed with an empty signature.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedFrame is returned when a signed frame does not hold a JSON object.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMessageTooLarge is returned when unsigned data exceeds the maximum frame size.
	ErrMessageTooLarge = errors.New("message too large")
)

// defaultMaxFrameSize bounds the partial-frame buffer (1MB).
const defaultMaxFrameSize = 1024 * 1024

// NewSignature derives the session signature from the shared secret.
// The base64 alphabet keeps the signature out of the JSON structural characters.
func NewSignature(secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(secret))
}

// Encode serializes rec as JSON and appends signature.
// The frame carries no length prefix; the signature terminates it.
func Encode(rec Record, signature string) ([]byte, error) {
	if signature == "" {
		return nil, ErrInvalidSignature
	}
	if _, ok := rec[KeyMethod].(string); !ok {
		return nil, ErrMissingMethod
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	return append(data, signature...), nil
}

// Decoder reassembles records from a byte stream of signed frames.
// It keeps the bytes of an incomplete frame until a later chunk ends with
// the "}"+signature terminator. A Decoder is not safe for concurrent use;
// each connection owns one.
type Decoder struct {
	signature  []byte
	terminator []byte
	boundary   []byte
	maxSize    int
	logger     Logger

	buf []byte
}

// NewDecoder returns a decoder for frames signed with signature.
// maxSize bounds the buffered unsigned data; zero means the default.
func NewDecoder(signature string, maxSize int, logger Logger) *Decoder {
	if maxSize <= 0 {
		maxSize = defaultMaxFrameSize
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &Decoder{
		signature:  []byte(signature),
		terminator: []byte("}" + signature),
		boundary:   []byte("}" + signature + "{"),
		maxSize:    maxSize,
		logger:     logger,
	}
}

// Feed consumes one chunk read off the stream and returns every record it
// completes, in stream order. Frames completed ahead of a trailing partial
// frame are returned right away; only the partial frame stays buffered and
// only it counts against maxSize. Errors are fatal for the connection.
func (d *Decoder) Feed(chunk []byte) ([]Record, error) {
	if len(chunk) == 0 {
		return nil, nil
	}

	repaired := len(d.buf) > 0
	d.buf = append(d.buf, chunk...)

	if bytes.HasSuffix(d.buf, d.terminator) {
		if repaired {
			d.logger.Debug("unsigned data repaired", "size", len(d.buf))
		}
		data := d.buf
		d.buf = nil
		return d.split(data[:len(data)-len(d.signature)])
	}

	var records []Record
	if i := bytes.LastIndex(d.buf, d.boundary); i >= 0 {
		body, tail := d.buf[:i+1], d.buf[i+1+len(d.signature):]
		var err error
		if records, err = d.split(body); err != nil {
			d.Reset()
			return nil, err
		}
		d.buf = append([]byte(nil), tail...)
	}

	if len(d.buf) > d.maxSize {
		size := len(d.buf)
		d.Reset()
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes unsigned", size)
	}
	d.logger.Debug("receiving unsigned data", "buffered", len(d.buf))
	return records, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received frame.
func (d *Decoder) Reset() {
	d.buf = nil
}

// split parses body, one or more frames with the final signature removed.
// "}"+signature+"{" is the only boundary between concatenated frames.
func (d *Decoder) split(body []byte) ([]Record, error) {
	parts := bytes.Split(body, d.boundary)
	last := len(parts) - 1

	records := make([]Record, 0, len(parts))
	for i, part := range parts {
		frame := make([]byte, 0, len(part)+2)
		if i > 0 {
			frame = append(frame, '{')
		}
		frame = append(frame, part...)
		if i < last {
			frame = append(frame, '}')
		}

		var rec Record
		if err := json.Unmarshal(frame, &rec); err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "frame %d: %v", i, err)
		}
		if rec == nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "frame %d: not an object", i)
		}
		records = append(records, rec)
	}
	return records, nil
}
