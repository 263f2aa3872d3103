package sharding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jrepp/reliable-delivery/internal/producer"
	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// DurableQueueFactory builds the per-entity DurableProducerQueue for
// entityID. Each entity gets its own independent queue instance (see
// DESIGN.md's qualifier/sharding note) rather than one queue shared and
// partitioned by qualifier.
type DurableQueueFactory[A any] func(entityID string) delivery.DurableProducerQueue[A]

// ProducerOption configures a ProducerController at construction.
type ProducerOption[A any] func(*ProducerController[A])

// WithDurableQueueFactory attaches durable persistence to every entity's
// inner producer.Controller, one queue instance per entity.
func WithDurableQueueFactory[A any](f DurableQueueFactory[A]) ProducerOption[A] {
	return func(c *ProducerController[A]) { c.durableFactory = f }
}

// WithEntityLocator consults locator before routing to an entity this node
// does not currently own, claiming ownership under selfNode if unclaimed.
// Forwarding to whichever node does own the entity is cluster sharding
// machinery (an external collaborator per §1); this controller only decides
// whether IT may originate traffic for the entity.
func WithEntityLocator[A any](locator EntityLocator, selfNode string) ProducerOption[A] {
	return func(c *ProducerController[A]) { c.locator = locator; c.selfNode = selfNode }
}

// entitySink adapts a Router to the plain producer.ConsumerSink interface a
// per-entity inner producer.Controller sends through, tagging every
// SequencedMessage with its owning entity id on the way out (§4.4).
type entitySink[A any] struct {
	entityID string
	router   Router[A]
}

func (s *entitySink[A]) SendSequencedMessage(ctx context.Context, msg delivery.SequencedMessage[A]) error {
	return s.router.Route(ctx, Envelope[A]{EntityID: s.entityID, Msg: msg})
}

// ProducerController multiplexes many entities' worth of producer demand
// behind one producer-facing API. It maintains a map entityId ->
// producer.Controller, created lazily on first publish to a given entity,
// and fans every entity's RequestNext stream into one aggregate channel
// (§4.4: "offering RequestNext to the application whenever any of them is
// ready").
type ProducerController[A any] struct {
	name           string
	cfg            ProducerConfig
	router         Router[A]
	durableFactory DurableQueueFactory[A]
	locator        EntityLocator
	selfNode       string

	mu       sync.Mutex
	entities map[string]*producer.Controller[A]
	running  bool

	requests chan delivery.RequestNext[A]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewProducerController builds a ProducerController that routes outgoing
// SequencedMessages through router.
func NewProducerController[A any](cfg ProducerConfig, router Router[A], opts ...ProducerOption[A]) (*ProducerController[A], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &ProducerController[A]{
		name:     cfg.Name,
		cfg:      cfg,
		router:   router,
		entities: make(map[string]*producer.Controller[A]),
		requests: make(chan delivery.RequestNext[A], cfg.RequestsBufferSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Requests exposes the aggregate RequestNext stream across every entity.
// Each value's ProducerID identifies which entity it is demand for.
func (c *ProducerController[A]) Requests() <-chan delivery.RequestNext[A] { return c.requests }

// Start begins accepting Publish calls. Entity controllers are still spawned
// lazily on first use.
func (c *ProducerController[A]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("sharding: producer %s already started", c.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.ctx = runCtx
	c.cancel = cancel
	c.running = true
	slog.Info("sharding producer starting", "name", c.name)
	return nil
}

// Stop stops every entity's inner controller and this controller itself.
func (c *ProducerController[A]) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	entities := make([]*producer.Controller[A], 0, len(c.entities))
	for _, e := range c.entities {
		entities = append(entities, e)
	}
	c.cancel()
	c.mu.Unlock()

	for _, e := range entities {
		_ = e.Stop(ctx)
	}
	return nil
}

// Publish is sugar for the RequestNext/SendNext handshake scoped to one
// entity: it blocks until that entity's inner controller has demand, then
// hands msg over as a plain application message.
func (c *ProducerController[A]) Publish(ctx context.Context, entityID string, msg A) error {
	ctrl, err := c.entityController(ctx, entityID)
	if err != nil {
		return err
	}
	return ctrl.Publish(ctx, msg)
}

// PublishWithConfirmation is sugar for AskNext scoped to one entity.
func (c *ProducerController[A]) PublishWithConfirmation(ctx context.Context, entityID string, msg A) (uint64, error) {
	ctrl, err := c.entityController(ctx, entityID)
	if err != nil {
		return 0, err
	}
	return ctrl.PublishWithConfirmation(ctx, msg)
}

// Entity returns the (possibly lazily-created) inner producer.Controller for
// entityID, for callers that want direct access to its Requests channel,
// Health, or Metrics, or that need to route a reply (Request/Resend/Ack)
// back to the right entity.
func (c *ProducerController[A]) Entity(ctx context.Context, entityID string) (*producer.Controller[A], error) {
	return c.entityController(ctx, entityID)
}

func (c *ProducerController[A]) entityController(ctx context.Context, entityID string) (*producer.Controller[A], error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("sharding: producer %s not started", c.name)
	}
	if ctrl, ok := c.entities[entityID]; ok {
		c.mu.Unlock()
		return ctrl, nil
	}
	c.mu.Unlock()

	if c.locator != nil {
		owned, err := c.locator.EnsureOwnership(ctx, entityID, c.selfNode, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("sharding: locate entity %s: %w", entityID, err)
		}
		if !owned {
			return nil, fmt.Errorf("sharding: entity %s is owned by another node", entityID)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctrl, ok := c.entities[entityID]; ok {
		return ctrl, nil
	}

	producerCfg := producer.Config{
		Name:       c.name + "/" + entityID,
		ProducerID: c.cfg.ProducerIDPrefix + "/" + entityID,
	}
	var popts []producer.Option[A]
	popts = append(popts, producer.WithConsumerSink[A](&entitySink[A]{entityID: entityID, router: c.router}))
	if c.durableFactory != nil {
		popts = append(popts, producer.WithDurableQueue[A](c.durableFactory(entityID)))
	}
	ctrl, err := producer.New[A](producerCfg, popts...)
	if err != nil {
		return nil, fmt.Errorf("sharding: build entity controller %s: %w", entityID, err)
	}
	if err := ctrl.Start(c.ctx, producerCfg.ProducerID); err != nil {
		return nil, fmt.Errorf("sharding: start entity controller %s: %w", entityID, err)
	}
	c.entities[entityID] = ctrl
	go c.fanInRequests(ctrl)
	slog.Info("sharding producer: spawned entity controller", "name", c.name, "entity_id", entityID)
	return ctrl, nil
}

func (c *ProducerController[A]) fanInRequests(ctrl *producer.Controller[A]) {
	for {
		select {
		case rn, ok := <-ctrl.Requests():
			if !ok {
				return
			}
			select {
			case c.requests <- rn:
			case <-c.ctx.Done():
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
