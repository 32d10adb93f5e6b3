package frame

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrIncomplete reports that the buffered bytes do not yet hold a full
// frame; the buffer is retained for the next Feed.
var ErrIncomplete = errors.New("frame: incomplete")

// DecodeError reports malformed input. The decoder has already advanced past
// the offending bytes when it is returned, so the caller resumes with Next
// instead of aborting the read loop.
type DecodeError struct {
	Reason  string
	Skipped int
}

func (e *DecodeError) Error() string {
	if e.Skipped > 0 {
		return fmt.Sprintf("frame: malformed input (%s, skipped %d bytes)", e.Reason, e.Skipped)
	}
	return fmt.Sprintf("frame: malformed input (%s)", e.Reason)
}

// Limits constrains decoder memory use.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 4 * 1024 * 1024}
}

// Decoder incrementally decodes both framing schemes from one byte stream.
// Not safe for concurrent use; it belongs to the single receive path.
type Decoder struct {
	buf    []byte
	limits Limits
}

func NewDecoder(limits Limits) *Decoder {
	if limits.MaxFrameBytes <= 0 {
		limits = DefaultLimits()
	}
	return &Decoder{limits: limits}
}

// Feed appends raw bytes read from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many undecoded bytes are retained.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops all buffered bytes. Used when the transport reconnects.
func (d *Decoder) Reset() {
	d.buf = nil
}

// Next returns the next decoded frame, ErrIncomplete when more bytes are
// needed, or a *DecodeError after resynchronizing past malformed input.
func (d *Decoder) Next() (Frame, error) {
	for {
		// Frames are NUL-terminated on the wire; empty chunks are idle
		// padding between frames.
		for len(d.buf) > 0 && d.buf[0] == terminator {
			d.buf = d.buf[1:]
		}
		if len(d.buf) == 0 {
			return Frame{}, ErrIncomplete
		}

		if lead := d.buf[0]; lead != '%' && lead != '<' {
			skipped := d.resync()
			return Frame{}, &DecodeError{Reason: "no frame marker", Skipped: skipped}
		}

		end := bytes.IndexByte(d.buf, terminator)
		if end < 0 {
			if len(d.buf) > d.limits.MaxFrameBytes {
				skipped := len(d.buf)
				d.buf = nil
				return Frame{}, &DecodeError{Reason: "frame exceeds size limit", Skipped: skipped}
			}
			return Frame{}, ErrIncomplete
		}

		chunk := d.buf[:end]
		d.buf = d.buf[end+1:]

		var (
			f   Frame
			err error
		)
		if chunk[0] == '%' {
			f, err = parseExtended(chunk)
		} else {
			f, err = parseMarkup(chunk)
		}
		if err != nil {
			// The bad chunk is already consumed through its terminator,
			// so the next call starts at a frame boundary.
			return Frame{}, err
		}
		return f, nil
	}
}

// resync drops bytes until the next recognizable frame marker so one run of
// garbage costs exactly one DecodeError.
func (d *Decoder) resync() int {
	for i := 1; i < len(d.buf); i++ {
		switch d.buf[i] {
		case '%', '<', terminator:
			skipped := i
			d.buf = d.buf[i:]
			return skipped
		}
	}
	skipped := len(d.buf)
	d.buf = nil
	return skipped
}
