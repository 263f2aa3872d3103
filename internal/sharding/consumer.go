package sharding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jrepp/reliable-delivery/internal/consumer"
	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// ReplySinkFactory returns the ProducerSink an inner ConsumerController
// should use to send flow-control signals back toward producerID, via
// whatever router or transport fronts this ShardingConsumerController.
type ReplySinkFactory func(producerID string) consumer.ProducerSink

// ConsumerController demultiplexes SequencedMessages arriving from many
// independent producers behind one Deliveries channel. There is no prior
// RegisterConsumer handshake per producer (§4.5): the first SequencedMessage
// from an unseen producerId spawns a fresh inner consumer.Controller, which
// treats that same message as its own registration via the First flag.
type ConsumerController[A any] struct {
	cfg        ConsumerConfig
	replySinks ReplySinkFactory

	mu    sync.Mutex
	inner map[string]*consumer.Controller[A]

	deliveries chan delivery.Delivery[A]

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewConsumerController builds a ConsumerController. replySinks is called
// once per newly observed producerId to obtain where that producer's
// Request/Resend/Ack traffic should be sent.
func NewConsumerController[A any](cfg ConsumerConfig, replySinks ReplySinkFactory) (*ConsumerController[A], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConsumerController[A]{
		cfg:        cfg,
		replySinks: replySinks,
		inner:      make(map[string]*consumer.Controller[A]),
		deliveries: make(chan delivery.Delivery[A], cfg.DeliveriesBufferSize),
	}, nil
}

// Deliveries returns the aggregate channel across every producer. Each
// Delivery.ProducerID identifies which producer it came from; the inner
// controllers' sequence spaces are independent (§4.5).
func (c *ConsumerController[A]) Deliveries() <-chan delivery.Delivery[A] { return c.deliveries }

// Start begins accepting inbound messages. Inner controllers are still
// spawned lazily, one per first-seen producerId.
func (c *ConsumerController[A]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("sharding: consumer %s already started", c.cfg.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.ctx = runCtx
	c.cancel = cancel
	c.running = true
	slog.Info("sharding consumer starting", "name", c.cfg.Name)
	return nil
}

// Stop stops every producer's inner controller and this controller itself.
func (c *ConsumerController[A]) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	inner := make([]*consumer.Controller[A], 0, len(c.inner))
	for _, ic := range c.inner {
		inner = append(inner, ic)
	}
	c.cancel()
	c.mu.Unlock()

	for _, ic := range inner {
		_ = ic.Stop(ctx)
	}
	return nil
}

// HandleSequencedMessage routes msg to the inner ConsumerController for
// msg.ProducerID, spawning one first if this producer hasn't been seen yet.
func (c *ConsumerController[A]) HandleSequencedMessage(ctx context.Context, msg delivery.SequencedMessage[A]) error {
	ic, err := c.innerFor(msg.ProducerID)
	if err != nil {
		return err
	}
	return ic.HandleSequencedMessage(ctx, msg)
}

func (c *ConsumerController[A]) innerFor(producerID string) (*consumer.Controller[A], error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("sharding: consumer %s not started", c.cfg.Name)
	}
	if ic, ok := c.inner[producerID]; ok {
		c.mu.Unlock()
		return ic, nil
	}
	c.mu.Unlock()

	ic, err := consumer.New[A](consumer.Config{
		Name:          c.cfg.Name + "/" + producerID,
		ConsumerRef:   c.cfg.ConsumerRef,
		ResendLost:    c.cfg.ResendLost,
		RequestWindow: c.cfg.RequestWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("sharding: build inner consumer for %s: %w", producerID, err)
	}
	if err := ic.Start(c.ctx, c.cfg.ConsumerRef); err != nil {
		return nil, fmt.Errorf("sharding: start inner consumer for %s: %w", producerID, err)
	}
	if err := ic.RegisterToProducerController(c.ctx, producerID, c.replySinks(producerID)); err != nil {
		return nil, fmt.Errorf("sharding: register inner consumer for %s: %w", producerID, err)
	}

	c.mu.Lock()
	if existing, ok := c.inner[producerID]; ok {
		c.mu.Unlock()
		_ = ic.Stop(context.Background())
		return existing, nil
	}
	c.inner[producerID] = ic
	c.mu.Unlock()

	go c.fanInDeliveries(ic)
	slog.Info("sharding consumer: spawned inner consumer", "name", c.cfg.Name, "producer_id", producerID)
	return ic, nil
}

func (c *ConsumerController[A]) fanInDeliveries(ic *consumer.Controller[A]) {
	for {
		select {
		case d, ok := <-ic.Deliveries():
			if !ok {
				return
			}
			select {
			case c.deliveries <- d:
			case <-c.ctx.Done():
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
