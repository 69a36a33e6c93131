package session

import (
	"time"

	"github.com/danmuck/quikwire/internal/protocol/frame"
)

const (
	DefaultIdleBudget      = 10
	DefaultReadChunk       = 1024
	DefaultProtocolVersion = 1
)

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection and poll loop parameters.
type Config struct {
	// ReadyTimeout bounds the per-tick wait for incoming bytes.
	ReadyTimeout time.Duration
	WriteTimeout time.Duration
	// IdleBudget is how many ready-but-empty reads are tolerated in a row
	// before PollOnce reports work anyway.
	IdleBudget int
	ReadChunk  int
	// ProtocolVersion is sent in reply to each ver handshake from the peer.
	ProtocolVersion int
	// ReplyVersionOnce suppresses the ver reply once a ver has been sent,
	// for peers that answer every ver with their own.
	ReplyVersionOnce bool
	Limits          frame.Limits

	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ReadyTimeout:    time.Second,
		WriteTimeout:    15 * time.Second,
		IdleBudget:      DefaultIdleBudget,
		ReadChunk:       DefaultReadChunk,
		ProtocolVersion: DefaultProtocolVersion,
		Limits:          frame.DefaultLimits(),
		ConnectTimeout:  5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.IdleBudget <= 0 {
		c.IdleBudget = def.IdleBudget
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = def.ReadChunk
	}
	if c.ProtocolVersion <= 0 {
		c.ProtocolVersion = def.ProtocolVersion
	}
	if c.Limits.MaxBufferedBytes <= 0 {
		c.Limits = def.Limits
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
