package consumer

import (
	"fmt"
	"time"
)

// DefaultRequestWindow is the RequestWindow constant from §4.2: the number
// of outstanding sequence numbers the consumer keeps requested at a time.
const DefaultRequestWindow = 20

// Config is the complete ConsumerController configuration.
type Config struct {
	// Name identifies the consumer pattern instance for logging.
	Name string `json:"name" yaml:"name"`

	// ConsumerRef identifies this consumer to producers in RegisterConsumer.
	// Defaults to Name when empty.
	ConsumerRef string `json:"consumer_ref,omitempty" yaml:"consumer_ref,omitempty"`

	// ResendLost enables gap detection and Resend demand (resendLost in the
	// source). false degrades to flow-control-only mode: gaps are accepted
	// silently and no Resend is ever issued.
	ResendLost bool `json:"resend_lost" yaml:"resend_lost"`

	// RequestWindow overrides DefaultRequestWindow.
	RequestWindow int `json:"request_window,omitempty" yaml:"request_window,omitempty"`

	// RetryInterval controls the registration-retry / Request-resend /
	// Resend-resend timer (fixed at 1s in the source).
	RetryInterval string `json:"retry_interval,omitempty" yaml:"retry_interval,omitempty"`

	// InboxBuffer sizes the command inbox channel.
	InboxBuffer int `json:"inbox_buffer,omitempty" yaml:"inbox_buffer,omitempty"`

	// DeliveriesBuffer sizes the Deliveries() channel. Invariant 5 (at most
	// one Delivery outstanding) holds regardless of buffer size, since the
	// controller never emits a second Delivery before the first is
	// confirmed; a buffer of 1 just lets the emit itself not block.
	DeliveriesBuffer int `json:"deliveries_buffer,omitempty" yaml:"deliveries_buffer,omitempty"`
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("consumer: name is required")
	}
	if c.ConsumerRef == "" {
		c.ConsumerRef = c.Name
	}
	if c.RequestWindow < 0 {
		return fmt.Errorf("consumer: request_window must be >= 0")
	}
	if c.RequestWindow == 0 {
		c.RequestWindow = DefaultRequestWindow
	}
	if c.InboxBuffer < 0 {
		return fmt.Errorf("consumer: inbox_buffer must be >= 0")
	}
	if c.InboxBuffer == 0 {
		c.InboxBuffer = 64
	}
	if c.DeliveriesBuffer < 0 {
		return fmt.Errorf("consumer: deliveries_buffer must be >= 0")
	}
	if c.DeliveriesBuffer == 0 {
		c.DeliveriesBuffer = 1
	}
	if c.RetryInterval != "" {
		if _, err := time.ParseDuration(c.RetryInterval); err != nil {
			return fmt.Errorf("consumer: invalid retry_interval duration: %w", err)
		}
	}
	return nil
}

// RetryIntervalDuration returns the retry timer period.
func (c *Config) RetryIntervalDuration() time.Duration {
	if c.RetryInterval == "" {
		return time.Second
	}
	d, err := time.ParseDuration(c.RetryInterval)
	if err != nil {
		return time.Second
	}
	return d
}
