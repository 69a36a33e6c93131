package session

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	exchangeIn  = "<--"
	exchangeOut = "-->"
)

// ExchangeLog records raw traffic, one JSON line per chunk received or
// envelope sent. A nil *ExchangeLog records nothing.
type ExchangeLog struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

// OpenExchangeLog appends to the file at path. An empty path returns a nil log.
func OpenExchangeLog(path string) (*ExchangeLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open exchange log (%s): %w", path, err)
	}
	x := NewExchangeLog(f)
	x.closer = f
	return x, nil
}

func NewExchangeLog(w io.Writer) *ExchangeLog {
	return &ExchangeLog{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

func (x *ExchangeLog) Incoming(b []byte) {
	x.record(exchangeIn, b)
}

func (x *ExchangeLog) Outgoing(b []byte) {
	x.record(exchangeOut, b)
}

func (x *ExchangeLog) Close() error {
	if x == nil || x.closer == nil {
		return nil
	}
	return x.closer.Close()
}

func (x *ExchangeLog) record(dir string, b []byte) {
	if x == nil || len(b) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.logger.Log().Str("dir", dir).Int("len", len(b)).Bytes("raw", b).Send()
}
