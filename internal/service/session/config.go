package session

import "time"

// BackoffConfig defines retry backoff behavior for transport writes.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds the timing and sizing of a session.
type Config struct {
	// HandshakeTimeout bounds Connecting for the claimant.
	HandshakeTimeout time.Duration
	// GracePeriod bounds Suspended before the session closes.
	GracePeriod time.Duration
	// IdleTimeout moves Active to Suspended when nothing was sent or received.
	IdleTimeout time.Duration
	// GapTimeout bounds how long a sequence gap may stay open before a resync.
	GapTimeout    time.Duration
	ReorderWindow int
	BacklogLimit  int
	MaxPayload    int
	// SendRetries is the number of write attempts before SendFailed.
	SendRetries int
	Backoff     BackoffConfig
	// EventBuffer sizes the event channel handed to the application.
	EventBuffer int
	// EventLinger is how long undelivered events are kept after Closed before
	// they are dropped and the event channel is closed.
	EventLinger time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 15 * time.Second,
		GracePeriod:      30 * time.Second,
		IdleTimeout:      2 * time.Minute,
		GapTimeout:       5 * time.Second,
		ReorderWindow:    64,
		BacklogLimit:     256,
		MaxPayload:       64 * 1024,
		SendRetries:      5,
		Backoff: BackoffConfig{
			InitialDelay: 200 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		EventBuffer: 64,
		EventLinger: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = d.GapTimeout
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = d.ReorderWindow
	}
	if c.BacklogLimit <= 0 {
		c.BacklogLimit = d.BacklogLimit
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = d.MaxPayload
	}
	if c.SendRetries <= 0 {
		c.SendRetries = d.SendRetries
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.EventLinger <= 0 {
		c.EventLinger = d.EventLinger
	}
	return c
}
