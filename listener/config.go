package listener

import "time"

type Config struct {
	HealthCheckInterval  time.Duration // probe period while listening
	SilenceTimeout       time.Duration // max time without events before the stream is presumed dead
	ProbeTimeout         time.Duration // deadline of one gateway ping
	MaxReconnectAttempts int           // consecutive failures before giving up
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	BufferSize           int // capacity of the output channel
}

func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:  60 * time.Second,
		SilenceTimeout:       5 * time.Minute,
		ProbeTimeout:         10 * time.Second,
		MaxReconnectAttempts: 10,
		BackoffBase:          time.Second,
		BackoffCap:           30 * time.Second,
		BufferSize:           64,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = d.SilenceTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}
