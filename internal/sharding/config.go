package sharding

import "fmt"

// DefaultBufferSize is the sharding-buffer-size tunable from §6: the number
// of inner controllers' fanned-in deliveries/requests the aggregate channels
// hold before the corresponding inner controller stalls.
const DefaultBufferSize = 32

// ProducerConfig configures a ShardingProducerController.
type ProducerConfig struct {
	// Name identifies this sharding instance for logging.
	Name string `json:"name" yaml:"name"`

	// ProducerIDPrefix is prepended to each entity id to form the inner
	// ProducerController's ProducerID, so producer references stay unique
	// across entities sharing one ShardingProducerController.
	ProducerIDPrefix string `json:"producer_id_prefix,omitempty" yaml:"producer_id_prefix,omitempty"`

	// RequestsBufferSize sizes the aggregate Requests() channel fanned in
	// from every entity's inner controller.
	RequestsBufferSize int `json:"requests_buffer_size,omitempty" yaml:"requests_buffer_size,omitempty"`
}

func (c *ProducerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("sharding: name is required")
	}
	if c.ProducerIDPrefix == "" {
		c.ProducerIDPrefix = c.Name
	}
	if c.RequestsBufferSize < 0 {
		return fmt.Errorf("sharding: requests_buffer_size must be >= 0")
	}
	if c.RequestsBufferSize == 0 {
		c.RequestsBufferSize = DefaultBufferSize
	}
	return nil
}

// ConsumerConfig configures a ShardingConsumerController.
type ConsumerConfig struct {
	// Name identifies this sharding instance for logging.
	Name string `json:"name" yaml:"name"`

	// ConsumerRef identifies this consumer to every inner producer
	// relationship. Defaults to Name when empty.
	ConsumerRef string `json:"consumer_ref,omitempty" yaml:"consumer_ref,omitempty"`

	// ResendLost is forwarded to every inner ConsumerController.
	ResendLost bool `json:"resend_lost" yaml:"resend_lost"`

	// RequestWindow is forwarded to every inner ConsumerController. Zero
	// means consumer.DefaultRequestWindow.
	RequestWindow int `json:"request_window,omitempty" yaml:"request_window,omitempty"`

	// DeliveriesBufferSize sizes the aggregate Deliveries() channel fanned
	// in from every producerId's inner controller.
	DeliveriesBufferSize int `json:"deliveries_buffer_size,omitempty" yaml:"deliveries_buffer_size,omitempty"`
}

func (c *ConsumerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("sharding: name is required")
	}
	if c.ConsumerRef == "" {
		c.ConsumerRef = c.Name
	}
	if c.DeliveriesBufferSize < 0 {
		return fmt.Errorf("sharding: deliveries_buffer_size must be >= 0")
	}
	if c.DeliveriesBufferSize == 0 {
		c.DeliveriesBufferSize = DefaultBufferSize
	}
	return nil
}
