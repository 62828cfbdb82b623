package session

import (
	"math"
	"time"

	"github.com/danmuck/hostlink/internal/channel"
	"github.com/danmuck/hostlink/internal/protocol/envelope"
	"github.com/danmuck/hostlink/internal/protocol/frame"
)

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection lifecycle defaults.
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// ReplyTimeout fails a pending reply with ErrReplyTimeout. Zero waits
	// until the peer answers or goes away.
	ReplyTimeout time.Duration
	// HandoffTimeout bounds the wait for the peer to dial a private endpoint.
	HandoffTimeout time.Duration
	// Reconnect re-dials the endpoint after an interruption. Only connections
	// this side opened are eligible; private channels never reconnect.
	Reconnect bool
	// MaxReconnectAttempts caps re-dials per interruption; zero means no cap.
	MaxReconnectAttempts int
	Backoff              BackoffConfig
	// MaxPayloadBytes bounds one application payload. Frames get
	// envelope.MaxOverhead on top for the fields around it.
	MaxPayloadBytes uint32
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		WriteTimeout:         15 * time.Second,
		HandoffTimeout:       10 * time.Second,
		MaxReconnectAttempts: 8,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		MaxPayloadBytes: frame.DefaultMaxPayloadBytes,
	}
}

// WithDefaults fills zero-valued timeouts and limits. ReplyTimeout and
// Reconnect keep their zero meaning.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = def.HandoffTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = def.MaxPayloadBytes
	}
	return c
}

// ChannelOptions projects the IO settings onto channel.Options.
func (c Config) ChannelOptions() channel.Options {
	return channel.Options{
		Limits:         frame.Limits{MaxPayloadBytes: frameLimit(c.MaxPayloadBytes)},
		ConnectTimeout: c.ConnectTimeout,
		WriteTimeout:   c.WriteTimeout,
	}
}

func frameLimit(payload uint32) uint32 {
	if payload > math.MaxUint32-envelope.MaxOverhead {
		return math.MaxUint32
	}
	return payload + envelope.MaxOverhead
}
