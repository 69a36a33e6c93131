package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/quikwire/internal/protocol"
	"github.com/danmuck/quikwire/internal/protocol/envelope"
	"github.com/danmuck/quikwire/internal/protocol/session"
)

var (
	ErrNotAttached   = errors.New("workflow: no session attached")
	ErrCallFailed    = errors.New("workflow: bridge call failed")
	ErrAnswerTimeout = errors.New("workflow: answer timeout")
)

// Bridge functions invoked by the demo.
const (
	FuncPrintDbgStr       = "PrintDbgStr"
	FuncGetClassesList    = "getClassesList"
	FuncCreateDataSource  = "CreateDataSource"
	FuncSetUpdateCallback = "SetUpdateCallback"
	FuncClose             = "Close"
	FuncClosePrice        = "C"
)

// DemoConfig parameterizes the demo workflow.
type DemoConfig struct {
	Greeting     string
	ClassCode    string
	SecCode      string
	Interval     int
	Updates      int
	CallbackName string
	// AnswerTTL fails the workflow when an answer is overdue. Zero or
	// negative waits forever.
	AnswerTTL time.Duration
}

func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		Greeting:     "Hello from quikwire!",
		ClassCode:    "TQBR",
		SecCode:      "SBER",
		Interval:     5,
		Updates:      10,
		CallbackName: "sberUpdated",
		AnswerTTL:    30 * time.Second,
	}
}

// Summary is the demo's observable progress.
type Summary struct {
	Classes     []string
	DataSource  string
	Updates     int
	Prices      map[int]string
	ParseErrors int
	Pending     int
	PeerEnded   bool
}

// Demo walks the bridge through greeting, class listing, data source
// creation, update subscription and close. It is the session's Handler and
// its Step is the poll loop's idle hook.
type Demo struct {
	cfg     DemoConfig
	conn    *session.Conn
	pending *Pending
	now     func() time.Time

	helloSent         bool
	classes           []string
	classesReq        int64
	ds                json.RawMessage
	dsReq             int64
	callbackInstalled bool
	updates           int
	closeReq          int64
	priceReqs         map[int64]int
	prices            map[int]string
	parseErrors       int
	peerEnded         bool
	failure           error
}

func NewDemo(cfg DemoConfig) *Demo {
	def := DefaultDemoConfig()
	if strings.TrimSpace(cfg.CallbackName) == "" {
		cfg.CallbackName = def.CallbackName
	}
	if cfg.Updates <= 0 {
		cfg.Updates = def.Updates
	}
	return &Demo{
		cfg:       cfg,
		pending:   NewPending(),
		now:       time.Now,
		priceReqs: make(map[int64]int),
		prices:    make(map[int]string),
	}
}

// Attach binds the session the demo sends on.
func (d *Demo) Attach(c *session.Conn) {
	d.conn = c
}

func (d *Demo) Pending() *Pending {
	return d.pending
}

// Step advances the workflow by at most one request.
func (d *Demo) Step() error {
	if d.conn == nil {
		return ErrNotAttached
	}
	if d.failure != nil {
		return d.failure
	}
	if expired := d.pending.Expired(d.now(), d.cfg.AnswerTTL); len(expired) > 0 {
		first := expired[0]
		return fmt.Errorf("%w: id=%d function=%s", ErrAnswerTimeout, first.ID, first.Function)
	}

	switch {
	case !d.helloSent:
		d.helloSent = true
		_, err := d.invoke(nil, FuncPrintDbgStr, d.cfg.Greeting)
		return err
	case d.classes == nil:
		if d.classesReq == 0 {
			id, err := d.invoke(nil, FuncGetClassesList)
			d.classesReq = id
			return err
		}
	case d.ds == nil:
		if d.dsReq == 0 {
			id, err := d.invoke(nil, FuncCreateDataSource, d.cfg.ClassCode, d.cfg.SecCode, d.cfg.Interval)
			d.dsReq = id
			return err
		}
	case !d.callbackInstalled:
		d.callbackInstalled = true
		_, err := d.invoke(d.ds, FuncSetUpdateCallback, envelope.NewCallable(d.cfg.CallbackName))
		return err
	case d.updates >= d.cfg.Updates:
		if d.closeReq == 0 {
			id, err := d.invoke(d.ds, FuncClose)
			d.closeReq = id
			return err
		}
	}
	return nil
}

func (d *Demo) OnRequest(c *session.Conn, id int64, data json.RawMessage) {
	call, err := envelope.DecodeCall(envelope.Request(id, data))
	if err != nil || !call.IsInvoke() {
		log.Debug().Int64("id", id).RawJSON("data", data).Msg("demo: ignoring request")
		return
	}
	if call.Function != d.cfg.CallbackName {
		d.answerError(c, id, fmt.Sprintf("unknown function %q", call.Function))
		return
	}

	if len(call.Arguments) == 0 {
		d.answerError(c, id, "missing bar index")
		return
	}
	var index int
	if err := json.Unmarshal(call.Arguments[0], &index); err != nil {
		log.Warn().Err(err).Int64("id", id).RawJSON("arg", call.Arguments[0]).Msg("demo: bad bar index")
		d.answerError(c, id, fmt.Sprintf("bad bar index: %s", call.Arguments[0]))
		return
	}
	log.Info().Int("index", index).Msg("demo: update callback")
	if reqID, err := d.invoke(d.ds, FuncClosePrice, index); err == nil {
		d.priceReqs[reqID] = index
	}

	ret, err := envelope.NewReturn(true)
	if err != nil {
		return
	}
	raw, err := envelope.MarshalData(ret)
	if err != nil {
		return
	}
	if err := c.SendAnswer(id, raw); err != nil {
		log.Warn().Err(err).Int64("id", id).Msg("demo: answer failed")
	}
}

func (d *Demo) OnAnswer(c *session.Conn, id int64, data json.RawMessage) {
	if id <= 0 {
		return
	}
	call, tracked := d.pending.Resolve(id)
	ret, err := envelope.DecodeReturn(envelope.Answer(id, data))
	if err != nil {
		log.Warn().Err(err).Int64("id", id).Msg("demo: unreadable answer")
		return
	}
	if ret.IsError() {
		log.Warn().Int64("id", id).Str("function", call.Function).Int("code", ret.Code).Str("text", ret.Text).Msg("demo: call failed")
		if tracked && call.Function != FuncClosePrice {
			d.failure = fmt.Errorf("%w: %s code=%d %s", ErrCallFailed, call.Function, ret.Code, ret.Text)
		}
		return
	}

	switch id {
	case d.classesReq:
		list, err := firstString(ret)
		if err != nil {
			d.failure = fmt.Errorf("%w: %s: %v", ErrCallFailed, FuncGetClassesList, err)
			return
		}
		d.classes = splitList(list)
		log.Info().Int("classes", len(d.classes)).Msg("demo: classes received")
	case d.dsReq:
		ds, err := firstResult(ret)
		if err != nil {
			d.failure = fmt.Errorf("%w: %s: %v", ErrCallFailed, FuncCreateDataSource, err)
			return
		}
		d.ds = ds
		log.Info().RawJSON("ds", ds).Msg("demo: data source created")
	case d.closeReq:
		log.Info().Msg("demo: data source closed")
		_ = c.End(false)
	default:
		if tracked && (call.Function == FuncPrintDbgStr || call.Function == FuncSetUpdateCallback) {
			log.Info().Str("function", call.Function).Msg("demo: acknowledged")
			return
		}
		if index, ok := d.priceReqs[id]; ok {
			delete(d.priceReqs, id)
			if v, err := firstResult(ret); err == nil {
				d.prices[index] = string(v)
			}
		}
		d.updates++
	}
}

// OnPeerEnd answers the peer's end with our own, closing the session.
func (d *Demo) OnPeerEnd(c *session.Conn) {
	d.peerEnded = true
	_ = c.End(false)
}

func (d *Demo) OnParseError(_ *session.Conn, trash []byte) {
	d.parseErrors++
	log.Debug().Int("len", len(trash)).Msg("demo: peer sent unparseable bytes")
}

func (d *Demo) Summary() Summary {
	prices := make(map[int]string, len(d.prices))
	for k, v := range d.prices {
		prices[k] = v
	}
	return Summary{
		Classes:     append([]string(nil), d.classes...),
		DataSource:  string(d.ds),
		Updates:     d.updates,
		Prices:      prices,
		ParseErrors: d.parseErrors,
		Pending:     d.pending.Len(),
		PeerEnded:   d.peerEnded,
	}
}

func (d *Demo) invoke(object json.RawMessage, function string, args ...any) (int64, error) {
	if d.conn == nil {
		return 0, ErrNotAttached
	}
	if d.conn.LocalEnded() {
		return 0, protocol.ErrSessionEnded
	}
	call, err := envelope.NewCall(object, function, args...)
	if err != nil {
		return 0, err
	}
	data, err := envelope.MarshalData(call)
	if err != nil {
		return 0, err
	}
	id := d.conn.NextID()
	d.pending.Track(PendingCall{ID: id, Function: function, IssuedAt: d.now()})
	if err := d.conn.SendRequest(id, data); err != nil {
		d.pending.Resolve(id)
		return 0, err
	}
	return id, nil
}

func (d *Demo) answerError(c *session.Conn, id int64, text string) {
	raw, err := envelope.MarshalData(envelope.Return{Method: envelope.MethodError, Code: 1, Text: text})
	if err != nil {
		return
	}
	_ = c.SendAnswer(id, raw)
}

func firstResult(ret envelope.Return) (json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(ret.Result, &items); err != nil {
		return nil, fmt.Errorf("result is not a list: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("empty result")
	}
	return items[0], nil
}

func firstString(ret envelope.Return) (string, error) {
	raw, err := firstResult(ret)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("result[0] is not a string: %w", err)
	}
	return s, nil
}

func splitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
