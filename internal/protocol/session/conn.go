package session

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/quikwire/internal/observability"
	"github.com/danmuck/quikwire/internal/protocol/envelope"
	"github.com/danmuck/quikwire/internal/protocol/frame"
)

// Stream is the byte stream a Conn owns. net.Conn satisfies it.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

type remoteAddresser interface {
	RemoteAddr() net.Addr
}

// Handler receives inbound requests and answers keyed by correlation id.
type Handler interface {
	OnRequest(c *Conn, id int64, data json.RawMessage)
	OnAnswer(c *Conn, id int64, data json.RawMessage)
}

// PeerEndObserver is notified when the peer's end arrives while the local
// side is still open.
type PeerEndObserver interface {
	OnPeerEnd(c *Conn)
}

// ParseErrorObserver receives bytes that were dropped as unparseable.
type ParseErrorObserver interface {
	OnParseError(c *Conn, trash []byte)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Request func(c *Conn, id int64, data json.RawMessage)
	Answer  func(c *Conn, id int64, data json.RawMessage)
}

func (h HandlerFuncs) OnRequest(c *Conn, id int64, data json.RawMessage) {
	if h.Request != nil {
		h.Request(c, id, data)
	}
}

func (h HandlerFuncs) OnAnswer(c *Conn, id int64, data json.RawMessage) {
	if h.Answer != nil {
		h.Answer(c, id, data)
	}
}

// State is the end-of-session position of a Conn.
type State int

const (
	StateOpen State = iota
	StateLocalEndSent
	StatePeerEndReceived
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateLocalEndSent:
		return "local_end_sent"
	case StatePeerEndReceived:
		return "peer_end_received"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option customizes a Conn at construction.
type Option func(*Conn)

func WithExchangeLog(x *ExchangeLog) Option {
	return func(c *Conn) { c.xlog = x }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Conn) { c.now = now }
}

// Conn is one bridge session over a Stream.
type Conn struct {
	stream  Stream
	handler Handler
	cfg     Config
	frames  *frame.Extractor
	readBuf []byte
	xlog    *ExchangeLog
	logger  zerolog.Logger
	now     func() time.Time

	localEnded   bool
	peerEnded    bool
	closed       bool
	versionSent  bool
	idleAttempts int
	peerVersion  int
	lastID       int64
}

func NewConn(s Stream, h Handler, cfg Config, opts ...Option) *Conn {
	cfg = cfg.WithDefaults()
	c := &Conn{
		stream:  s,
		handler: h,
		cfg:     cfg,
		frames:  frame.NewExtractor(cfg.Limits),
		readBuf: make([]byte, cfg.ReadChunk),
		logger:  log.Logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handler == nil {
		c.handler = HandlerFuncs{}
	}
	c.logger = c.logger.With().Str("peer", c.RemoteAddr()).Logger()
	c.frames.SetDiscardFunc(c.onDiscard)
	return c
}

// NextID allocates the next outbound correlation id. Ids start at 1; 0 is
// reserved for control envelopes.
func (c *Conn) NextID() int64 {
	c.lastID++
	return c.lastID
}

func (c *Conn) SendRequest(id int64, data json.RawMessage) error {
	return c.send(envelope.Request(id, data))
}

func (c *Conn) SendAnswer(id int64, data json.RawMessage) error {
	return c.send(envelope.Answer(id, data))
}

// SendVersion sends the ver handshake carrying version.
func (c *Conn) SendVersion(version int) error {
	if err := c.send(envelope.VersionHandshake(version)); err != nil {
		return err
	}
	if !c.localEnded {
		c.versionSent = true
	}
	return nil
}

// End sends the end envelope and marks the local side ended. The stream is
// torn down when the peer already ended or force is set. Without force a
// second call is a no-op.
func (c *Conn) End(force bool) error {
	if c.localEnded && !force {
		return nil
	}
	var err error
	if !c.closed {
		c.logger.Debug().Bool("force", force).Msg("send end")
		err = c.write(envelope.End())
	}
	c.localEnded = true
	if c.peerEnded || force || err != nil {
		c.teardown()
	}
	return err
}

// Close tears the stream down without sending end.
func (c *Conn) Close() error {
	c.localEnded = true
	c.peerEnded = true
	return c.teardown()
}

func (c *Conn) State() State {
	switch {
	case c.closed:
		return StateClosed
	case c.localEnded:
		return StateLocalEndSent
	case c.peerEnded:
		return StatePeerEndReceived
	default:
		return StateOpen
	}
}

func (c *Conn) LocalEnded() bool { return c.localEnded }

func (c *Conn) PeerEnded() bool { return c.peerEnded }

func (c *Conn) Closed() bool { return c.closed }

// PeerVersion is the version announced by the peer's last ver envelope.
func (c *Conn) PeerVersion() int { return c.peerVersion }

// Buffered is the number of received bytes not yet framed.
func (c *Conn) Buffered() int { return c.frames.Buffered() }

func (c *Conn) RemoteAddr() string {
	if ra, ok := c.stream.(remoteAddresser); ok && ra.RemoteAddr() != nil {
		return ra.RemoteAddr().String()
	}
	return "stream"
}

func (c *Conn) send(e envelope.Envelope) error {
	if c.localEnded {
		return nil
	}
	return c.write(e)
}

func (c *Conn) write(e envelope.Envelope) error {
	raw, err := envelope.Encode(e)
	if err != nil {
		return err
	}
	if c.closed {
		c.localEnded = true
		return nil
	}
	if wd, ok := c.stream.(writeDeadliner); ok {
		_ = wd.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	}
	c.xlog.Outgoing(raw)
	n, err := c.stream.Write(raw)
	observability.RecordBytes(observability.DirectionOut, n)
	if err != nil {
		c.localEnded = true
		c.logger.Warn().Err(err).Str("type", string(e.Type)).Int64("id", e.ID).Msg("write failed")
		return fmt.Errorf("session: write %s[%d]: %w", e.Type, e.ID, err)
	}
	observability.RecordEnvelope(observability.DirectionOut, string(e.Type))
	c.logger.Trace().Str("type", string(e.Type)).Int64("id", e.ID).RawJSON("msg", raw).Msg("sent")
	return nil
}

func (c *Conn) teardown() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if hc, ok := c.stream.(halfCloser); ok {
		_ = hc.CloseRead()
		_ = hc.CloseWrite()
	}
	err := c.stream.Close()
	if err != nil {
		c.logger.Debug().Err(err).Msg("close stream")
	}
	c.logger.Debug().Msg("session closed")
	return err
}

// processBuffer frames and dispatches at most one message. Frames that are
// malformed or not a recognized envelope are consumed without dispatch.
func (c *Conn) processBuffer() bool {
	for {
		doc, ok := c.frames.Next()
		if !ok {
			return false
		}
		e, ok, err := envelope.Decode(doc)
		if err != nil {
			observability.RecordParseError()
			c.logger.Warn().Err(err).Int("len", len(doc)).Msg("malformed message dropped")
			c.notifyParseError(doc)
			continue
		}
		if !ok {
			c.logger.Debug().Int("len", len(doc)).Msg("unrecognized envelope ignored")
			continue
		}
		c.dispatch(e)
		return true
	}
}

func (c *Conn) dispatch(e envelope.Envelope) {
	observability.RecordEnvelope(observability.DirectionIn, string(e.Type))
	switch e.Type {
	case envelope.TypeRequest:
		c.handler.OnRequest(c, e.ID, e.Data)
	case envelope.TypeAnswer:
		c.handler.OnAnswer(c, e.ID, e.Data)
	case envelope.TypeVersion:
		c.peerVersion = e.Version
		c.logger.Debug().Int("version", e.Version).Msg("ver received")
		if !c.cfg.ReplyVersionOnce || !c.versionSent {
			if err := c.SendVersion(c.cfg.ProtocolVersion); err != nil {
				c.logger.Warn().Err(err).Msg("ver reply failed")
			}
		}
	case envelope.TypeEnd:
		c.peerEnded = true
		c.logger.Debug().Bool("local_ended", c.localEnded).Msg("end received")
		if c.localEnded {
			c.teardown()
			return
		}
		if obs, ok := c.handler.(PeerEndObserver); ok {
			obs.OnPeerEnd(c)
		}
	}
}

func (c *Conn) onDiscard(trash []byte) {
	observability.RecordDiscard(len(trash))
	c.logger.Debug().Int("len", len(trash)).Msg("desync bytes discarded")
	c.notifyParseError(trash)
}

func (c *Conn) notifyParseError(trash []byte) {
	if obs, ok := c.handler.(ParseErrorObserver); ok {
		obs.OnParseError(c, trash)
	}
}
