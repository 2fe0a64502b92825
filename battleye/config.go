package battleye

import "time"

// Config holds the per-Connection tunables: reconnect policy,
// keep-alive cadence, and the timeout/retry schedule. It is frozen once
// passed to Multiplexer.Connection — nothing in this package mutates a
// Config after construction.
type Config struct {
	// Reconnect enables scheduling a fresh connect() after a
	// ServerTimeout disconnect. No other disconnect reason reconnects.
	Reconnect bool

	// ReconnectTimeout is the delay before each reconnect attempt.
	ReconnectTimeout time.Duration

	// KeepAlive enables the periodic empty-command ping.
	KeepAlive bool

	// KeepAliveInterval is the ping cadence.
	KeepAliveInterval time.Duration

	// Timeout enables the liveness/retry scheduler.
	Timeout bool

	// TimeoutInterval is that scheduler's tick cadence.
	TimeoutInterval time.Duration

	// ServerTimeout is the deadline since the last inbound packet before
	// the connection is declared dead.
	ServerTimeout time.Duration

	// PacketTimeout is the per-attempt retry interval multiplier.
	PacketTimeout time.Duration

	// PacketTimeoutThresholded is the number of attempts a pending
	// request survives before it fails with ServerTimeout.
	PacketTimeoutThresholded int

	// MessageBufferSize bounds how many recent message/command Events a
	// Connection retains for late subscribers. Zero uses the package
	// default.
	MessageBufferSize int
}

// DefaultConfig returns the out-of-the-box connection tunables.
func DefaultConfig() Config {
	return Config{
		Reconnect:                true,
		ReconnectTimeout:         500 * time.Millisecond,
		KeepAlive:                true,
		KeepAliveInterval:        15 * time.Second,
		Timeout:                  true,
		TimeoutInterval:          1 * time.Second,
		ServerTimeout:            30 * time.Second,
		PacketTimeout:            1 * time.Second,
		PacketTimeoutThresholded: 5,
		MessageBufferSize:        defaultMessageBufferSize,
	}
}
