// Package wiretest provides scripted streams and loopback peers for
// exercising bridge sessions without a real bridge.
package wiretest

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/quikwire/internal/protocol/frame"
)

var ErrDeadline = errors.New("wiretest: deadline failure")

// Read is one scripted result for Stream.Read.
type Read struct {
	Data []byte
	Err  error
}

// Chunk is a read that delivers s.
func Chunk(s string) Read { return Read{Data: []byte(s)} }

// Empty is a ready read that delivers no bytes.
func Empty() Read { return Read{Err: io.EOF} }

// Stream is a scripted in-memory Stream. Reads with nothing scripted
// report a deadline timeout, i.e. "not ready".
type Stream struct {
	mu          sync.Mutex
	reads       []Read
	written     bytes.Buffer
	deadlineErr error
	closed      bool
	readClosed  bool
	writeClosed bool
	readCalls   int
}

func NewStream(reads ...Read) *Stream {
	return &Stream{reads: reads}
}

func (s *Stream) Push(reads ...Read) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, reads...)
}

// FailDeadline makes every later SetReadDeadline call fail.
func (s *Stream) FailDeadline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlineErr = ErrDeadline
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	if s.closed {
		return 0, net.ErrClosed
	}
	if len(s.reads) == 0 {
		return 0, os.ErrDeadlineExceeded
	}
	r := s.reads[0]
	n := copy(p, r.Data)
	if n < len(r.Data) {
		s.reads[0].Data = r.Data[n:]
		return n, nil
	}
	s.reads = s.reads[1:]
	return n, r.Err
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.writeClosed {
		return 0, net.ErrClosed
	}
	return s.written.Write(p)
}

func (s *Stream) SetReadDeadline(time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadlineErr != nil {
		return s.deadlineErr
	}
	if s.closed {
		return net.ErrClosed
	}
	return nil
}

func (s *Stream) CloseRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readClosed = true
	return nil
}

func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeClosed = true
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ShutBoth reports whether both directions were shut before close.
func (s *Stream) ShutBoth() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readClosed && s.writeClosed
}

func (s *Stream) ReadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCalls
}

// Written returns everything written so far.
func (s *Stream) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// Sent splits the written bytes into documents.
func (s *Stream) Sent() []string {
	return Split([]byte(s.Written()))
}

// Split frames b into its top-level documents.
func Split(b []byte) []string {
	ex := frame.NewExtractor(frame.Limits{})
	_ = ex.Feed(b)
	return drain(ex)
}

// ReplyFunc answers one document received by a Peer with zero or more raw
// writes.
type ReplyFunc func(doc string) []string

// Peer is a loopback TCP peer that accepts one connection, writes a
// greeting, then answers each received document through a ReplyFunc.
type Peer struct {
	Addr string

	ln       net.Listener
	reply    ReplyFunc
	done     chan struct{}
	mu       sync.Mutex
	received []string
}

func StartPeer(t *testing.T, greeting []string, reply ReplyFunc) *Peer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &Peer{
		Addr:  ln.Addr().String(),
		ln:    ln,
		reply: reply,
		done:  make(chan struct{}),
	}
	t.Cleanup(func() { _ = ln.Close() })
	go p.serve(greeting)
	return p
}

func (p *Peer) serve(greeting []string) {
	defer close(p.done)
	conn, err := p.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	for _, g := range greeting {
		if _, err := conn.Write([]byte(g)); err != nil {
			return
		}
	}
	ex := frame.NewExtractor(frame.DefaultLimits())
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			_ = ex.Feed(buf[:n])
			for _, doc := range drain(ex) {
				p.mu.Lock()
				p.received = append(p.received, doc)
				p.mu.Unlock()
				if p.reply == nil {
					continue
				}
				for _, out := range p.reply(doc) {
					if _, err := conn.Write([]byte(out)); err != nil {
						return
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Received returns the documents read so far.
func (p *Peer) Received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.received))
	copy(out, p.received)
	return out
}

// Wait blocks until the peer's connection is finished or timeout passes.
func (p *Peer) Wait(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func drain(ex *frame.Extractor) []string {
	var out []string
	for {
		before := ex.Buffered()
		doc, ok := ex.Next()
		if ok {
			out = append(out, string(doc))
			continue
		}
		if ex.Buffered() == before {
			return out
		}
	}
}
