package stream

import (
	"bytes"
	"encoding/json"

	"github.com/harun/agentd/internal/observability"
	"github.com/rs/zerolog"
)

// DefaultMaxLineBytes bounds a single output line.
const DefaultMaxLineBytes = 16 * 1024 * 1024

// Decoder splits an arbitrarily chunked byte stream into lines and decodes
// each line as one JSON document. It is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	maxLine    int
	discarding bool
	dropped    int
	logger     zerolog.Logger
}

// NewDecoder creates a decoder that logs dropped lines to logger.
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{
		maxLine: DefaultMaxLineBytes,
		logger:  logger,
	}
}

// SetMaxLineBytes overrides the maximum accepted line length.
func (d *Decoder) SetMaxLineBytes(n int) {
	if n > 0 {
		d.maxLine = n
	}
}

// Feed appends chunk and returns every envelope completed by it. The trailing
// partial line is retained for the next call.
func (d *Decoder) Feed(chunk []byte) []Envelope {
	d.buf = append(d.buf, chunk...)

	var out []Envelope
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		if d.discarding {
			d.discarding = false
		} else if len(line) > d.maxLine {
			d.drop("line exceeds maximum length", nil, line)
		} else if env, ok := d.decode(line); ok {
			out = append(out, env)
		}
		d.buf = d.buf[idx+1:]
	}

	if len(d.buf) > d.maxLine {
		if !d.discarding {
			d.drop("line exceeds maximum length", nil, d.buf)
		}
		d.buf = d.buf[:0]
		d.discarding = true
	}

	// Move the partial line to the front so the backing array does not grow
	// without bound over a long stream.
	d.buf = append(d.buf[:0:0], d.buf...)
	return out
}

// Flush decodes a non-empty leftover partial line as a final line. The peer
// is not required to terminate its output with a newline.
func (d *Decoder) Flush() []Envelope {
	line := d.buf
	d.buf = nil
	if d.discarding {
		d.discarding = false
		return nil
	}
	if env, ok := d.decode(line); ok {
		return []Envelope{env}
	}
	return nil
}

// Pending reports the number of buffered bytes of the current partial line.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Dropped reports how many lines were discarded as malformed or oversized.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) decode(line []byte) (Envelope, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Envelope{}, false
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		d.drop("malformed output line", err, line)
		return Envelope{}, false
	}
	return env, true
}

func (d *Decoder) drop(reason string, err error, line []byte) {
	d.dropped++
	observability.RecordDroppedLine()

	const preview = 200
	sample := line
	if len(sample) > preview {
		sample = sample[:preview]
	}
	d.logger.Warn().
		Err(err).
		Int("bytes", len(line)).
		Str("line", string(sample)).
		Msg("Dropping agent output line: " + reason)
}
