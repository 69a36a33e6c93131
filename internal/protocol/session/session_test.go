package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/danmuck/quikwire/internal/protocol/envelope"
	"github.com/danmuck/quikwire/internal/testutil/testlog"
	"github.com/danmuck/quikwire/internal/testutil/wiretest"
)

type recorded struct {
	id   int64
	data string
}

type recorder struct {
	requests []recorded
	answers  []recorded
	peerEnds int
	trash    []string
}

func (r *recorder) OnRequest(_ *Conn, id int64, data json.RawMessage) {
	r.requests = append(r.requests, recorded{id: id, data: string(data)})
}

func (r *recorder) OnAnswer(_ *Conn, id int64, data json.RawMessage) {
	r.answers = append(r.answers, recorded{id: id, data: string(data)})
}

func (r *recorder) OnPeerEnd(*Conn) { r.peerEnds++ }

func (r *recorder) OnParseError(_ *Conn, trash []byte) {
	r.trash = append(r.trash, string(trash))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 20 * time.Millisecond
	return cfg
}

func TestSplitRequestDispatchedOnceAfterSecondChunk(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream(
		wiretest.Chunk(`{"id":1,"type":"req","data":{"method":"invoke",`),
		wiretest.Chunk(`"function":"f","arguments":[]}}`),
	)
	rec := &recorder{}
	c := NewConn(stream, rec, testConfig())

	if !c.PollOnce() {
		t.Fatalf("first chunk should count as network work")
	}
	if len(rec.requests) != 0 {
		t.Fatalf("request dispatched before frame completed: %+v", rec.requests)
	}
	if !c.PollOnce() {
		t.Fatalf("second chunk should count as network work")
	}
	want := []recorded{{id: 1, data: `{"method":"invoke","function":"f","arguments":[]}`}}
	if !reflect.DeepEqual(rec.requests, want) {
		t.Fatalf("requests got=%+v want=%+v", rec.requests, want)
	}
	if c.PollOnce() {
		t.Fatalf("idle tick should report no work")
	}
	if len(rec.requests) != 1 {
		t.Fatalf("request dispatched more than once: %+v", rec.requests)
	}
}

func TestVersionHandshakeAutoReply(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream(
		wiretest.Chunk(`{"id":0,"type":"ver","version":1}`),
		wiretest.Chunk(`{"id":0,"type":"ver","version":2}`),
	)
	rec := &recorder{}
	c := NewConn(stream, rec, testConfig())

	if !c.PollOnce() {
		t.Fatalf("expected network work")
	}
	reply := `{"id":0,"type":"ver","version":1}`
	if got := stream.Sent(); !reflect.DeepEqual(got, []string{reply}) {
		t.Fatalf("unexpected reply: %q", got)
	}
	if len(rec.requests)+len(rec.answers) != 0 {
		t.Fatalf("ver must not reach the workflow: %+v", rec)
	}
	if c.PeerVersion() != 1 {
		t.Fatalf("peer version got=%d", c.PeerVersion())
	}

	c.PollOnce()
	if got := stream.Sent(); !reflect.DeepEqual(got, []string{reply, reply}) {
		t.Fatalf("every ver must be answered, got=%q", got)
	}
	if c.PeerVersion() != 2 {
		t.Fatalf("peer version got=%d", c.PeerVersion())
	}
}

func TestVersionReplyAfterExplicitSendVersion(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream()
	c := NewConn(stream, &recorder{}, testConfig())
	if err := c.SendVersion(1); err != nil {
		t.Fatalf("send version: %v", err)
	}
	stream.Push(wiretest.Chunk(`{"id":0,"type":"ver","version":1}`))
	c.PollOnce()
	if got := stream.Sent(); len(got) != 2 {
		t.Fatalf("peer ver must still be answered, got=%q", got)
	}
}

func TestReplyVersionOnceSuppressesRepeats(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream(
		wiretest.Chunk(`{"id":0,"type":"ver","version":1}`),
		wiretest.Chunk(`{"id":0,"type":"ver","version":1}`),
	)
	cfg := testConfig()
	cfg.ReplyVersionOnce = true
	c := NewConn(stream, &recorder{}, cfg)

	c.PollOnce()
	c.PollOnce()
	if got := stream.Sent(); len(got) != 1 {
		t.Fatalf("version must be sent once, got=%q", got)
	}
}

func TestEndWithoutPeerEndKeepsStreamOpen(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream()
	c := NewConn(stream, &recorder{}, testConfig())

	if err := c.End(false); err != nil {
		t.Fatalf("end: %v", err)
	}
	if stream.Closed() {
		t.Fatalf("stream must stay open until the peer ends")
	}
	if c.State() != StateLocalEndSent {
		t.Fatalf("state got=%s", c.State())
	}
	if err := c.End(false); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if err := c.SendRequest(c.NextID(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("send after end: %v", err)
	}
	if got := stream.Sent(); !reflect.DeepEqual(got, []string{`{"id":0,"type":"end"}`}) {
		t.Fatalf("unexpected writes: %q", got)
	}

	calls := stream.ReadCalls()
	if c.PollOnce() {
		t.Fatalf("poll after local end must report no work")
	}
	if stream.ReadCalls() != calls {
		t.Fatalf("poll after local end must not read")
	}
}

func TestEndAfterPeerEndTearsDown(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream(wiretest.Chunk(`{"id":0,"type":"end"}`))
	rec := &recorder{}
	c := NewConn(stream, rec, testConfig())

	if !c.PollOnce() {
		t.Fatalf("expected network work")
	}
	if !c.PeerEnded() || stream.Closed() {
		t.Fatalf("peer end must be recorded without teardown: peer=%v closed=%v", c.PeerEnded(), stream.Closed())
	}
	if c.State() != StatePeerEndReceived || rec.peerEnds != 1 {
		t.Fatalf("state=%s peerEnds=%d", c.State(), rec.peerEnds)
	}

	calls := stream.ReadCalls()
	if c.PollOnce() || stream.ReadCalls() != calls {
		t.Fatalf("poll after peer end must not read")
	}

	if err := c.End(false); err != nil {
		t.Fatalf("end: %v", err)
	}
	if !stream.Closed() || !stream.ShutBoth() {
		t.Fatalf("expected bilateral teardown")
	}
	if c.State() != StateClosed {
		t.Fatalf("state got=%s", c.State())
	}
	if err := c.SendAnswer(1, json.RawMessage(`true`)); err != nil {
		t.Fatalf("send after teardown: %v", err)
	}
	if got := stream.Sent(); len(got) != 1 {
		t.Fatalf("unexpected writes after teardown: %q", got)
	}
}

func TestForcedEndResendsAndTearsDown(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream()
	c := NewConn(stream, nil, testConfig())
	_ = c.End(false)
	if err := c.End(true); err != nil {
		t.Fatalf("forced end: %v", err)
	}
	if got := stream.Sent(); len(got) != 2 {
		t.Fatalf("forced end must re-send, got=%q", got)
	}
	if !stream.Closed() || c.State() != StateClosed {
		t.Fatalf("forced end must tear down")
	}
	if err := c.End(true); err != nil {
		t.Fatalf("forced end on closed stream: %v", err)
	}
	if got := stream.Sent(); len(got) != 2 {
		t.Fatalf("closed stream must not be written, got=%q", got)
	}
}

func TestIdleBudgetBoundsEmptyReads(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	stream := wiretest.NewStream()
	for i := 0; i < cfg.IdleBudget+2; i++ {
		stream.Push(wiretest.Empty())
	}
	c := NewConn(stream, &recorder{}, cfg)

	for i := 0; i < cfg.IdleBudget; i++ {
		if c.PollOnce() {
			t.Fatalf("empty read %d reported work before budget exhausted", i+1)
		}
	}
	if !c.PollOnce() {
		t.Fatalf("expected work once the idle budget is spent")
	}
	if c.PollOnce() {
		t.Fatalf("idle counter should restart after reporting work")
	}
}

func TestDispatchPrimesIdleCounter(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream(
		wiretest.Chunk(`{"id":1,"type":"ans","data":1}{"id":2,"type":"ans","data":2}`),
	)
	rec := &recorder{}
	c := NewConn(stream, rec, testConfig())

	if !c.PollOnce() || len(rec.answers) != 1 {
		t.Fatalf("expected exactly one dispatch, got=%+v", rec.answers)
	}
	if c.Buffered() == 0 {
		t.Fatalf("second message should stay buffered")
	}
	if c.PollOnce() {
		t.Fatalf("not-ready tick should report no work")
	}
	stream.Push(wiretest.Empty())
	if !c.PollOnce() {
		t.Fatalf("first empty read after a dispatch should report work")
	}
	want := []recorded{{id: 1, data: "1"}, {id: 2, data: "2"}}
	if !reflect.DeepEqual(rec.answers, want) {
		t.Fatalf("answers got=%+v want=%+v", rec.answers, want)
	}
}

func TestReadinessFailureTearsDownBothEnds(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream()
	stream.FailDeadline()
	c := NewConn(stream, &recorder{}, testConfig())

	if c.PollOnce() {
		t.Fatalf("failed readiness check must report no work")
	}
	if !c.LocalEnded() || !c.PeerEnded() || !stream.Closed() || !stream.ShutBoth() {
		t.Fatalf("expected forced teardown: local=%v peer=%v closed=%v", c.LocalEnded(), c.PeerEnded(), stream.Closed())
	}
	if err := c.Run(context.Background(), func() error {
		t.Fatalf("step must not run after teardown")
		return nil
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestMalformedAndUnknownFramesAreSkipped(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream(
		wiretest.Chunk(`xx{"id":1,"type":"req",}{"id":9,"type":"ping"}{"id":2,"type":"ans","data":7}`),
	)
	rec := &recorder{}
	c := NewConn(stream, rec, testConfig())

	if !c.PollOnce() {
		t.Fatalf("expected network work")
	}
	if len(rec.answers) != 0 {
		t.Fatalf("desync skip must not dispatch in the same call: %+v", rec.answers)
	}
	if !reflect.DeepEqual(rec.trash, []string{"xx"}) {
		t.Fatalf("unexpected discard: %q", rec.trash)
	}

	stream.Push(wiretest.Chunk(" "))
	if !c.PollOnce() {
		t.Fatalf("expected network work")
	}
	want := []recorded{{id: 2, data: "7"}}
	if !reflect.DeepEqual(rec.answers, want) {
		t.Fatalf("answers got=%+v want=%+v", rec.answers, want)
	}
	if len(rec.trash) != 2 || rec.trash[1] != `{"id":1,"type":"req",}` {
		t.Fatalf("malformed frame not reported: %q", rec.trash)
	}
}

func TestStringBracesDoNotPerturbFraming(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream(wiretest.Chunk(`{"id":4,"type":"req","data":"a{b}\"c"}`))
	rec := &recorder{}
	c := NewConn(stream, rec, testConfig())
	c.PollOnce()
	want := []recorded{{id: 4, data: `"a{b}\"c"`}}
	if !reflect.DeepEqual(rec.requests, want) {
		t.Fatalf("requests got=%+v want=%+v", rec.requests, want)
	}
}

func TestNextIDStartsAboveControlID(t *testing.T) {
	testlog.Start(t)
	c := NewConn(wiretest.NewStream(), nil, testConfig())
	for want := int64(1); want <= 3; want++ {
		if got := c.NextID(); got != want {
			t.Fatalf("NextID got=%d want=%d", got, want)
		}
	}
}

func TestWriteFailureEndsLocalSide(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream()
	c := NewConn(stream, nil, testConfig())
	_ = stream.Close()

	err := c.SendRequest(1, json.RawMessage(`{}`))
	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed, got %v", err)
	}
	if !c.LocalEnded() {
		t.Fatalf("write failure must end the local side")
	}
	if err := c.SendRequest(2, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("send after failure must be a no-op, got %v", err)
	}
}

func TestRunStepsWhileIdleUntilEnd(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream(wiretest.Chunk(`{"id":0,"type":"ver","version":1}`))
	c := NewConn(stream, &recorder{}, testConfig())

	steps := 0
	err := c.Run(context.Background(), func() error {
		steps++
		if steps == 1 {
			return c.SendRequest(c.NextID(), json.RawMessage(`{"method":"invoke","function":"f","arguments":[]}`))
		}
		if steps == 3 {
			return c.End(false)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if steps != 3 {
		t.Fatalf("steps got=%d", steps)
	}
	want := []string{
		`{"id":0,"type":"ver","version":1}`,
		`{"id":1,"type":"req","data":{"method":"invoke","function":"f","arguments":[]}}`,
		`{"id":0,"type":"end"}`,
	}
	if got := stream.Sent(); !reflect.DeepEqual(got, want) {
		t.Fatalf("writes got=%q want=%q", got, want)
	}
}

func TestRunStepErrorForcesClose(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream()
	c := NewConn(stream, nil, testConfig())
	boom := errors.New("boom")
	if err := c.Run(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected step error, got %v", err)
	}
	if !stream.Closed() {
		t.Fatalf("step error must force close")
	}
}

func TestRunCancelledContextForcesEnd(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream()
	c := NewConn(stream, nil, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := stream.Sent(); !reflect.DeepEqual(got, []string{`{"id":0,"type":"end"}`}) {
		t.Fatalf("unexpected writes: %q", got)
	}
	if !stream.Closed() {
		t.Fatalf("expected teardown")
	}
}

func TestAwaitPeerEnd(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream()
	rec := &recorder{}
	c := NewConn(stream, rec, testConfig())
	_ = c.End(false)
	stream.Push(wiretest.Chunk(`{"id":5,"type":"ans","data":null}{"id":0,"type":"end"}`))

	if !c.AwaitPeerEnd(time.Second) {
		t.Fatalf("expected peer end")
	}
	if len(rec.answers) != 1 || rec.peerEnds != 0 {
		t.Fatalf("answers=%+v peerEnds=%d", rec.answers, rec.peerEnds)
	}
	if !stream.Closed() || !stream.ShutBoth() {
		t.Fatalf("expected teardown")
	}
}

func TestAwaitPeerEndDispatchesBufferedEnd(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream(
		wiretest.Chunk(`{"id":5,"type":"ans","data":null}{"id":0,"type":"end"}`),
		wiretest.Empty(),
	)
	rec := &recorder{}
	c := NewConn(stream, rec, testConfig())

	if !c.PollOnce() {
		t.Fatalf("expected network work")
	}
	if len(rec.answers) != 1 || c.PeerEnded() || c.Buffered() == 0 {
		t.Fatalf("expected answer dispatched and end still buffered, answers=%d buffered=%d", len(rec.answers), c.Buffered())
	}
	if err := c.End(false); err != nil {
		t.Fatalf("end: %v", err)
	}
	if !c.AwaitPeerEnd(time.Second) {
		t.Fatalf("expected buffered peer end to be dispatched")
	}
	if stream.ReadCalls() != 1 {
		t.Fatalf("no further read needed, got=%d", stream.ReadCalls())
	}
	if !stream.Closed() || !stream.ShutBoth() || rec.peerEnds != 0 {
		t.Fatalf("expected teardown without observer, peerEnds=%d", rec.peerEnds)
	}
}

func TestAwaitPeerEndPeerGoneReportsNoEnd(t *testing.T) {
	testlog.Start(t)
	stream := wiretest.NewStream()
	c := NewConn(stream, &recorder{}, testConfig())
	_ = c.End(false)
	stream.Push(wiretest.Read{Err: io.ErrUnexpectedEOF})

	if c.AwaitPeerEnd(time.Second) {
		t.Fatalf("peer went away without end")
	}
	if c.PeerEnded() {
		t.Fatalf("peer end must not be reported after a plain close")
	}
	if !c.Closed() || !stream.Closed() {
		t.Fatalf("expected stream closed")
	}
}

func TestExchangeLogRecordsBothDirections(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	stream := wiretest.NewStream(wiretest.Chunk(`{"id":0,"type":"ver","version":1}`))
	c := NewConn(stream, nil, testConfig(), WithExchangeLog(NewExchangeLog(&buf)))
	c.PollOnce()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 exchange lines, got=%q", lines)
	}
	if !strings.Contains(lines[0], `"dir":"<--"`) || !strings.Contains(lines[1], `"dir":"-->"`) {
		t.Fatalf("unexpected exchange log: %q", lines)
	}

	var nilLog *ExchangeLog
	nilLog.Incoming([]byte("x"))
	if err := nilLog.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestSessionOverLoopbackTCP(t *testing.T) {
	testlog.Start(t)
	peer := wiretest.StartPeer(t, []string{`{"id":0,"type":"ver","version":1}`}, func(doc string) []string {
		e, ok, err := envelope.Decode([]byte(doc))
		if err != nil || !ok {
			return nil
		}
		switch e.Type {
		case envelope.TypeRequest:
			raw, _ := envelope.Encode(envelope.Answer(e.ID, json.RawMessage(`{"method":"return","result":[true]}`)))
			return []string{string(raw)}
		case envelope.TypeEnd:
			return []string{`{"id":0,"type":"end"}`}
		}
		return nil
	})

	cfg := testConfig()
	cfg.MaxConnectAttempts = 3
	nc, err := Dial(context.Background(), peer.Addr, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	answered := false
	h := HandlerFuncs{Answer: func(c *Conn, id int64, data json.RawMessage) {
		answered = id == 1 && string(data) == `{"method":"return","result":[true]}`
		_ = c.End(false)
	}}
	c := NewConn(nc, h, cfg)

	sent := false
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Run(ctx, func() error {
		if sent {
			return nil
		}
		sent = true
		return c.SendRequest(c.NextID(), json.RawMessage(`{"method":"invoke","function":"PrintDbgStr","arguments":["hi"]}`))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !answered {
		t.Fatalf("answer not correlated")
	}
	if !c.AwaitPeerEnd(2 * time.Second) {
		t.Fatalf("expected peer end")
	}
	if !peer.Wait(2 * time.Second) {
		t.Fatalf("peer did not finish")
	}
	got := peer.Received()
	if len(got) != 3 || got[2] != `{"id":0,"type":"end"}` {
		t.Fatalf("peer received: %q", got)
	}
	var versions int
	for _, doc := range got {
		if doc == `{"id":0,"type":"ver","version":1}` {
			versions++
		}
	}
	if versions != 1 {
		t.Fatalf("expected one ver reply, got=%q", got)
	}
}

func TestDialValidatesAndGivesUp(t *testing.T) {
	testlog.Start(t)
	if _, err := Dial(context.Background(), "  ", DefaultConfig()); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.MaxConnectAttempts = 2
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	if _, err := Dial(context.Background(), addr, cfg); !errors.Is(err, ErrDialExhausted) {
		t.Fatalf("expected ErrDialExhausted, got %v", err)
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{IdleBudget: 3}.WithDefaults()
	if cfg.IdleBudget != 3 || cfg.ReadyTimeout != time.Second || cfg.ProtocolVersion != 1 || cfg.ReadChunk != 1024 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
