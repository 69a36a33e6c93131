package session

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/danmuck/quikwire/internal/observability"
)

// StepFunc advances the workflow by one step while the connection is idle.
type StepFunc func() error

// PollOnce runs one tick of the poll loop and reports whether network work
// was done. When it returns false the driver should advance the workflow.
//
// A tick waits at most ReadyTimeout for bytes. A failure to arm that wait
// tears the stream down and ends both sides. Ready-but-empty reads count
// against IdleBudget; once it is spent the tick reports work regardless.
// At most one message is dispatched per tick.
func (c *Conn) PollOnce() bool {
	if c.localEnded {
		return false
	}
	if err := c.stream.SetReadDeadline(c.now().Add(c.cfg.ReadyTimeout)); err != nil {
		c.logger.Warn().Err(err).Msg("readiness check failed")
		c.teardown()
		c.localEnded = true
		c.peerEnded = true
		return false
	}
	if c.localEnded || c.peerEnded {
		return false
	}

	n, err := c.stream.Read(c.readBuf)
	if n == 0 && isTimeout(err) {
		return false
	}
	if err != nil && !isTimeout(err) {
		c.logger.Trace().Err(err).Int("n", n).Msg("receive error treated as empty read")
	}
	if n == 0 && c.idleAttempts < c.cfg.IdleBudget {
		c.idleAttempts++
		return false
	}
	c.idleAttempts = 0

	chunk := c.readBuf[:n]
	c.xlog.Incoming(chunk)
	observability.RecordBytes(observability.DirectionIn, n)
	if c.peerEnded {
		return false
	}
	if err := c.frames.Feed(chunk); err != nil {
		c.logger.Warn().Err(err).Msg("incoming buffer dropped")
	}
	if c.processBuffer() {
		c.idleAttempts = c.cfg.IdleBudget
	}
	return true
}

// Run ticks the poll loop until the local side ends, calling step whenever a
// tick did no network work. A step error or ctx cancellation forces the
// session closed and is returned.
func (c *Conn) Run(ctx context.Context, step StepFunc) error {
	for !c.localEnded {
		if err := ctx.Err(); err != nil {
			_ = c.End(true)
			return err
		}
		if c.PollOnce() || c.localEnded || step == nil {
			continue
		}
		if err := step(); err != nil {
			c.logger.Warn().Err(err).Msg("workflow step failed")
			_ = c.End(true)
			return err
		}
	}
	return nil
}

// AwaitPeerEnd dispatches whatever is already buffered and keeps reading
// after the local end was sent, until the peer's end tears the stream down,
// the peer goes away, or wait passes. The stream is closed on return and
// PeerEnded reports only an end actually received. It reports whether the
// peer's end was received.
func (c *Conn) AwaitPeerEnd(wait time.Duration) bool {
	for !c.peerEnded && c.processBuffer() {
	}
	deadline := c.now().Add(wait)
	for !c.closed && !c.peerEnded && c.now().Before(deadline) {
		if err := c.stream.SetReadDeadline(c.now().Add(c.cfg.ReadyTimeout)); err != nil {
			break
		}
		n, err := c.stream.Read(c.readBuf)
		if n > 0 {
			chunk := c.readBuf[:n]
			c.xlog.Incoming(chunk)
			observability.RecordBytes(observability.DirectionIn, n)
			if ferr := c.frames.Feed(chunk); ferr != nil {
				c.logger.Warn().Err(ferr).Msg("incoming buffer dropped")
			}
			for !c.peerEnded && c.processBuffer() {
			}
			continue
		}
		if err != nil && !isTimeout(err) {
			c.logger.Debug().Err(err).Msg("peer gone before end")
			break
		}
	}
	c.localEnded = true
	_ = c.teardown()
	return c.peerEnded
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
