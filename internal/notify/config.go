package notify

import (
	"time"

	"cdpipeline/pkg/backoff"
)

// Delivery defaults that rarely need tuning.
const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultDeliveryTimeout  = 30 * time.Second
)

// Config holds configuration for the notification dispatcher.
type Config struct {
	// Channels maps channel references (email receivers, the approval channel)
	// to webhook URLs. A channel that is itself an http(s) URL needs no entry.
	Channels      map[string]string
	SigningSecret string        // HMAC key for the signature header, empty = unsigned
	Source        string        // CloudEvents source (default: "cdpipeline")
	BufferSize    int           // pending events buffer (default: 1000)
	Workers       int           // concurrent delivery goroutines (default: 4)
	MaxAttempts   int           // attempts per event including the first (default: 3)
	HTTPTimeout   time.Duration // per-request timeout (default: 10s)
	Retry         backoff.Policy
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "cdpipeline"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}
