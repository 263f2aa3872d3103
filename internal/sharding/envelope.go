// Package sharding implements the two fan-out wrappers from §4.4/§4.5:
// ShardingProducerController multiplexes many entities' worth of demand
// behind one producer-facing API by running one inner producer.Controller
// per entity id; ShardingConsumerController demultiplexes inbound traffic
// from many producers behind one consumer-facing Deliveries channel by
// running one inner consumer.Controller per producerId.
package sharding

import (
	"context"

	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// Envelope is what a ShardingProducerController hands to its router: the
// entity id a SequencedMessage belongs to, alongside the message itself, so
// the router can address it to the node owning that entity (§4.4).
type Envelope[A any] struct {
	EntityID string
	Msg      delivery.SequencedMessage[A]
}

// Router is the sharding machinery's send side: deliver env to whichever
// node/process currently owns env.EntityID. The cluster sharding machinery
// itself is an external collaborator (§1's "out of scope" list); Router is
// the only interface this package needs from it.
type Router[A any] interface {
	Route(ctx context.Context, env Envelope[A]) error
}

// RouterFunc adapts a plain function to a Router.
type RouterFunc[A any] func(ctx context.Context, env Envelope[A]) error

func (f RouterFunc[A]) Route(ctx context.Context, env Envelope[A]) error { return f(ctx, env) }
