package producer

import (
	"fmt"
	"time"
)

// Config is the complete ProducerController configuration. Durations are
// given as strings (e.g. "100ms", "3s"), checked by Validate and read back
// through the *Duration() helpers.
type Config struct {
	// Name identifies the producer pattern instance for logging.
	Name string `json:"name" yaml:"name"`

	// ProducerID is the identity carried on every SequencedMessage. Defaults
	// to Name when empty.
	ProducerID string `json:"producer_id,omitempty" yaml:"producer_id,omitempty"`

	// ResendFirstInterval is how often the unconfirmed epoch-opening message
	// is retransmitted while unconfirmed (§5: fixed at 1s in the source).
	ResendFirstInterval string `json:"resend_first_interval,omitempty" yaml:"resend_first_interval,omitempty"`

	// DurableLoadTimeout bounds a LoadState ask to the durable queue.
	DurableLoadTimeout string `json:"durable_load_timeout,omitempty" yaml:"durable_load_timeout,omitempty"`

	// DurableStoreTimeout bounds a StoreMessageSent ask to the durable queue.
	DurableStoreTimeout string `json:"durable_store_timeout,omitempty" yaml:"durable_store_timeout,omitempty"`

	// MaxDurableRetries bounds retry attempts of LoadState/StoreMessageSent
	// before the controller fails fatally (§9 open question (a): the source
	// leaves this bound unspecified; this implementation picks a default of
	// 5 attempts, configurable here).
	MaxDurableRetries int `json:"max_durable_retries,omitempty" yaml:"max_durable_retries,omitempty"`

	// RequestsBuffer sizes the RequestNext channel the application producer
	// drains. A buffer of 1 is sufficient since at most one demand is
	// outstanding at a time (§3 invariant 4), but a larger value lets the
	// controller enqueue without blocking if the application is briefly slow.
	RequestsBuffer int `json:"requests_buffer,omitempty" yaml:"requests_buffer,omitempty"`

	// InboxBuffer sizes the command inbox channel.
	InboxBuffer int `json:"inbox_buffer,omitempty" yaml:"inbox_buffer,omitempty"`
}

// Validate checks the configuration and fills in defaults, mirroring the
// fill-defaults-during-validate idiom used across the behavior configs this
// package is descended from.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("producer: name is required")
	}
	if c.ProducerID == "" {
		c.ProducerID = c.Name
	}

	if c.MaxDurableRetries < 0 {
		return fmt.Errorf("producer: max_durable_retries must be >= 0")
	}
	if c.MaxDurableRetries == 0 {
		c.MaxDurableRetries = 5
	}

	if c.RequestsBuffer < 0 {
		return fmt.Errorf("producer: requests_buffer must be >= 0")
	}
	if c.RequestsBuffer == 0 {
		c.RequestsBuffer = 1
	}

	if c.InboxBuffer < 0 {
		return fmt.Errorf("producer: inbox_buffer must be >= 0")
	}
	if c.InboxBuffer == 0 {
		c.InboxBuffer = 64
	}

	for name, val := range map[string]*string{
		"resend_first_interval": &c.ResendFirstInterval,
		"durable_load_timeout":  &c.DurableLoadTimeout,
		"durable_store_timeout": &c.DurableStoreTimeout,
	} {
		if *val != "" {
			if _, err := time.ParseDuration(*val); err != nil {
				return fmt.Errorf("producer: invalid %s duration: %w", name, err)
			}
		}
	}

	return nil
}

// ResendFirstIntervalDuration returns the ResendFirst timer period.
func (c *Config) ResendFirstIntervalDuration() time.Duration {
	return parseOrDefault(c.ResendFirstInterval, time.Second)
}

// DurableLoadTimeoutDuration returns the LoadState ask timeout.
func (c *Config) DurableLoadTimeoutDuration() time.Duration {
	return parseOrDefault(c.DurableLoadTimeout, 3*time.Second)
}

// DurableStoreTimeoutDuration returns the StoreMessageSent ask timeout.
func (c *Config) DurableStoreTimeoutDuration() time.Duration {
	return parseOrDefault(c.DurableStoreTimeout, 3*time.Second)
}

func parseOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
