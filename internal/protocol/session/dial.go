package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("session: address required")
	ErrDialExhausted   = errors.New("session: connect attempts exhausted")
)

// Dial connects to addr over TCP, retrying with backoff until it succeeds,
// MaxConnectAttempts is reached (0 means unlimited) or ctx is done.
func Dial(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Info().Str("addr", addr).Int("attempt", attempt).Msg("connected")
			return conn, nil
		}
		log.Warn().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("dial failed")
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, fmt.Errorf("%w: addr=%s attempts=%d: %v", ErrDialExhausted, addr, attempt, err)
		}
		if err := sleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || cfg.InitialDelay <= 0 {
		return jitter(cfg, float64(max(cfg.InitialDelay, 0)), rng)
	}
	mult := cfg.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return jitter(cfg, delay, rng)
}

func jitter(cfg BackoffConfig, delay float64, rng *rand.Rand) time.Duration {
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

func sleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(NextBackoffDelay(cfg, attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
