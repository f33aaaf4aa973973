// Package stream turns an append-only byte stream into whole JSON objects.
//
// The lookup service writes progress records back to back with no
// delimiter, and network chunks split them at arbitrary positions. The
// Decoder runs an incremental JSON syntax scanner whose state (container
// stack, string and escape flags) survives across calls to Feed, so braces
// inside string values never affect object boundaries.
//
// A candidate object is abandoned as soon as a byte makes it syntactically
// impossible, and scanning resumes at the next '{' after the candidate's
// opening brace. A malformed fragment therefore costs at most its own
// bytes; records that follow it are still emitted.
//
// Buffer growth is bounded by a lossy recovery policy: when an open
// candidate grows past MaxBuffer without closing, only the trailing
// RetainWindow bytes are kept and scanning restarts there. Data dropped this
// way is lost. Callers must treat the policy as best effort for corrupt or
// never-closing streams, not as a correctness guarantee.
package stream

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

const (
	// DefaultMaxBuffer is the open-candidate size above which lossy
	// recovery kicks in.
	DefaultMaxBuffer = 10000

	// DefaultRetainWindow is the number of trailing bytes kept on recovery.
	DefaultRetainWindow = 1000
)

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxBuffer sets the buffer size that triggers lossy recovery.
func WithMaxBuffer(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxBuffer = n
		}
	}
}

// WithRetainWindow sets how many trailing bytes survive lossy recovery.
func WithRetainWindow(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.retain = n
		}
	}
}

// expect is the next syntactic element the scanner accepts.
type expect uint8

const (
	expectKeyOrClose expect = iota
	expectKey
	expectColon
	expectValue
	expectValueOrClose
	expectCommaOrClose
)

type stepResult uint8

const (
	stepOK stepResult = iota
	stepInvalid
	stepClosed
)

// Decoder is a stateful incremental JSON object scanner. It is not safe for
// concurrent use.
type Decoder struct {
	buf []byte

	// pos is the next byte to scan; start is the offset of the '{' opening
	// the current top-level candidate, or -1.
	pos   int
	start int

	stack    []byte
	expect   expect
	inString bool
	escaped  bool
	hex      int
	inToken  bool

	maxBuffer int
	retain    int
	dropped   int
}

// NewDecoder creates a Decoder with the given options.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		start:     -1,
		maxBuffer: DefaultMaxBuffer,
		retain:    DefaultRetainWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.retain >= d.maxBuffer {
		d.retain = d.maxBuffer / 2
	}
	return d
}

// Feed appends chunk to the buffer and returns every complete, valid JSON
// object found, in stream order. Bytes outside an open candidate are
// discarded once scanned. Malformed fragments are skipped and never
// returned.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	d.buf = append(d.buf, chunk...)

	out := d.scan()
	if len(d.buf) > d.maxBuffer {
		d.truncate()
		out = append(out, d.scan()...)
	}
	return out
}

// Buffered returns the number of bytes currently held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Dropped returns the number of non-whitespace bytes discarded without
// being part of an emitted object.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Reset clears the buffer and scan state.
func (d *Decoder) Reset() {
	d.buf = nil
	d.resetState()
	d.pos = 0
	d.dropped = 0
}

func (d *Decoder) scan() []json.RawMessage {
	var out []json.RawMessage

	for ; d.pos < len(d.buf); d.pos++ {
		c := d.buf[d.pos]

		if d.start < 0 {
			if c == '{' {
				d.open()
			} else if !isSpace(c) {
				d.dropped++
			}
			continue
		}

		switch d.step(c) {
		case stepInvalid:
			d.abandon()
		case stepClosed:
			candidate := d.buf[d.start : d.pos+1]
			if !gjson.ValidBytes(candidate) {
				d.abandon()
				continue
			}
			obj := make(json.RawMessage, len(candidate))
			copy(obj, candidate)
			out = append(out, obj)
			d.resetState()
		}
	}

	// Keep only the open candidate, if any.
	n := len(d.buf)
	if d.start >= 0 {
		n = d.start
	}
	d.discard(n)
	return out
}

// open starts a candidate at the current position.
func (d *Decoder) open() {
	d.start = d.pos
	d.stack = append(d.stack[:0], '{')
	d.expect = expectKeyOrClose
}

// abandon gives up the current candidate and resumes scanning right after
// its opening brace.
func (d *Decoder) abandon() {
	d.dropped++
	d.pos = d.start
	d.resetState()
}

// step advances the syntax state by one byte of an open candidate.
func (d *Decoder) step(c byte) stepResult {
	if d.inString {
		switch {
		case d.hex > 0:
			if !isHex(c) {
				return stepInvalid
			}
			d.hex--
		case d.escaped:
			d.escaped = false
			switch c {
			case 'u':
				d.hex = 4
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
			default:
				return stepInvalid
			}
		case c == '\\':
			d.escaped = true
		case c == '"':
			d.inString = false
		case c < 0x20:
			return stepInvalid
		}
		return stepOK
	}

	if d.inToken {
		if isTokenByte(c) {
			return stepOK
		}
		d.inToken = false
	}

	if isSpace(c) {
		return stepOK
	}

	switch d.expect {
	case expectKeyOrClose:
		if c == '}' {
			return d.close(c)
		}
		fallthrough
	case expectKey:
		if c != '"' {
			return stepInvalid
		}
		d.inString = true
		d.expect = expectColon
	case expectColon:
		if c != ':' {
			return stepInvalid
		}
		d.expect = expectValue
	case expectValueOrClose:
		if c == ']' {
			return d.close(c)
		}
		fallthrough
	case expectValue:
		return d.value(c)
	case expectCommaOrClose:
		switch c {
		case ',':
			if d.stack[len(d.stack)-1] == '{' {
				d.expect = expectKey
			} else {
				d.expect = expectValue
			}
		case '}', ']':
			return d.close(c)
		default:
			return stepInvalid
		}
	}
	return stepOK
}

func (d *Decoder) value(c byte) stepResult {
	switch {
	case c == '"':
		d.inString = true
		d.expect = expectCommaOrClose
	case c == '{':
		d.stack = append(d.stack, '{')
		d.expect = expectKeyOrClose
	case c == '[':
		d.stack = append(d.stack, '[')
		d.expect = expectValueOrClose
	case c == '-' || (c >= '0' && c <= '9') || c == 't' || c == 'f' || c == 'n':
		// Numbers and literals are checked in full by gjson on close.
		d.inToken = true
		d.expect = expectCommaOrClose
	default:
		return stepInvalid
	}
	return stepOK
}

func (d *Decoder) close(c byte) stepResult {
	open := byte('{')
	if c == ']' {
		open = '['
	}
	top := len(d.stack) - 1
	if d.stack[top] != open {
		return stepInvalid
	}
	d.stack = d.stack[:top]
	if len(d.stack) == 0 {
		return stepClosed
	}
	d.expect = expectCommaOrClose
	return stepOK
}

// discard drops the first n bytes. n must lie outside any emitted object.
func (d *Decoder) discard(n int) {
	if n == 0 {
		return
	}
	rest := make([]byte, len(d.buf)-n)
	copy(rest, d.buf[n:])
	d.buf = rest
	d.pos -= n
	if d.start >= 0 {
		d.start -= n
	}
}

// truncate keeps only the trailing retain window and rescans it from a clean
// state.
func (d *Decoder) truncate() {
	cut := len(d.buf) - d.retain
	d.dropped += cut

	window := make([]byte, d.retain)
	copy(window, d.buf[cut:])
	d.buf = window
	d.pos = 0
	d.resetState()
}

func (d *Decoder) resetState() {
	d.start = -1
	d.stack = d.stack[:0]
	d.expect = expectKeyOrClose
	d.inString = false
	d.escaped = false
	d.hex = 0
	d.inToken = false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isTokenByte(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || c == '+' || c == '-' || c == '.' || c == 'E'
}
