// Package transport provides the wire between a ProducerController and a
// ConsumerController: an in-process Loopback pair for tests and
// single-process deployments, and a NATS-backed transport for real
// cross-process delivery.
package transport

import (
	"context"

	"github.com/jrepp/reliable-delivery/internal/consumer"
	"github.com/jrepp/reliable-delivery/internal/producer"
	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// Loopback implements producer.ConsumerSink by calling straight into a
// ConsumerController's inbox, skipping any wire encoding.
type Loopback[A any] struct {
	consumer *consumer.Controller[A]
}

func (l *Loopback[A]) SendSequencedMessage(ctx context.Context, msg delivery.SequencedMessage[A]) error {
	return l.consumer.HandleSequencedMessage(ctx, msg)
}

// ProducerLoopback implements consumer.ProducerSink by calling straight
// into a ProducerController's inbox.
type ProducerLoopback[A any] struct {
	producer     *producer.Controller[A]
	consumerSink producer.ConsumerSink[A]
}

func (p *ProducerLoopback[A]) SendRequest(ctx context.Context, req delivery.Request) error {
	return p.producer.HandleRequest(ctx, req)
}

func (p *ProducerLoopback[A]) SendResend(ctx context.Context, r delivery.Resend) error {
	return p.producer.HandleResend(ctx, r)
}

func (p *ProducerLoopback[A]) SendAck(ctx context.Context, a delivery.Ack) error {
	return p.producer.HandleAck(ctx, a)
}

func (p *ProducerLoopback[A]) SendRegisterConsumer(ctx context.Context, r delivery.RegisterConsumer) error {
	return p.producer.RegisterConsumer(ctx, r.ConsumerRef, p.consumerSink)
}

// Wire connects p and c directly in-process: c is registered to p under
// producerRef, and every message either side sends crosses straight into
// the other's inbox with no encoding step.
func Wire[A any](ctx context.Context, p *producer.Controller[A], c *consumer.Controller[A], producerRef string) error {
	consumerSink := &Loopback[A]{consumer: c}
	producerSink := &ProducerLoopback[A]{producer: p, consumerSink: consumerSink}
	return c.RegisterToProducerController(ctx, producerRef, producerSink)
}
