package frame

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/danmuck/quikwire/internal/protocol"
)

// Limits constrains extractor memory use.
type Limits struct {
	MaxBufferedBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxBufferedBytes: 8 * 1024 * 1024,
	}
}

// DiscardFunc receives bytes dropped while resynchronizing.
type DiscardFunc func(trash []byte)

// Extractor accumulates stream bytes and cuts complete top-level JSON
// objects off the front of the buffer, one per Next call.
type Extractor struct {
	buf       []byte
	scan      Scanner
	limits    Limits
	onDiscard DiscardFunc
}

func NewExtractor(limits Limits) *Extractor {
	return &Extractor{limits: limits}
}

// SetDiscardFunc installs fn as the desync/overflow hook. nil disables it.
func (e *Extractor) SetDiscardFunc(fn DiscardFunc) {
	e.onDiscard = fn
}

// Feed appends p to the buffer. When the buffer would grow past
// MaxBufferedBytes everything buffered is dropped and ErrBufferOverflow returned.
func (e *Extractor) Feed(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if limit := e.limits.MaxBufferedBytes; limit > 0 && len(e.buf)+len(p) > limit {
		dropped := len(e.buf) + len(p)
		e.discard(append(e.buf, p...))
		e.buf = nil
		return fmt.Errorf("%w: %d bytes > %d", protocol.ErrBufferOverflow, dropped, limit)
	}
	e.buf = append(e.buf, p...)
	return nil
}

// Next extracts at most one complete document.
//
// Leading bytes before the first '{' are dropped and the call reports no
// document, even when a complete one follows. A buffer that is not valid
// UTF-8 is left untouched until more bytes arrive.
func (e *Extractor) Next() ([]byte, bool) {
	if len(e.buf) == 0 {
		return nil, false
	}
	if start := bytes.IndexByte(e.buf, '{'); start != 0 {
		if start < 0 {
			start = len(e.buf)
		}
		e.discard(e.buf[:start])
		e.consume(start)
		return nil, false
	}
	if !utf8.Valid(e.buf) {
		return nil, false
	}

	e.scan.Reset()
	for i, b := range e.buf {
		if !e.scan.Step(b) {
			continue
		}
		doc := make([]byte, i+1)
		copy(doc, e.buf[:i+1])
		e.consume(i + 1)
		e.scan.Reset()
		return doc, true
	}
	return nil, false
}

// Buffered returns the number of bytes waiting for a complete document.
func (e *Extractor) Buffered() int {
	return len(e.buf)
}

// Pending returns a copy of the buffered bytes.
func (e *Extractor) Pending() []byte {
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out
}

func (e *Extractor) Reset() {
	e.buf = nil
	e.scan.Reset()
}

func (e *Extractor) consume(n int) {
	if n >= len(e.buf) {
		e.buf = e.buf[:0]
		return
	}
	rest := copy(e.buf, e.buf[n:])
	e.buf = e.buf[:rest]
}

func (e *Extractor) discard(trash []byte) {
	if e.onDiscard == nil || len(trash) == 0 {
		return
	}
	out := make([]byte, len(trash))
	copy(out, trash)
	e.onDiscard(out)
}
