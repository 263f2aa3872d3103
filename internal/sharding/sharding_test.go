package sharding_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/reliable-delivery/internal/consumer"
	"github.com/jrepp/reliable-delivery/internal/sharding"
	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// boundReplySink forwards one producer relationship's flow-control signals
// back to its entity's inner producer.Controller, the way a real transport
// would address them to the node owning that entity.
type boundReplySink struct {
	prodCtrl *sharding.ProducerController[string]
	entityID string
}

func (b *boundReplySink) SendRequest(ctx context.Context, req delivery.Request) error {
	ctrl, err := b.prodCtrl.Entity(ctx, b.entityID)
	if err != nil {
		return err
	}
	return ctrl.HandleRequest(ctx, req)
}

func (b *boundReplySink) SendResend(ctx context.Context, r delivery.Resend) error {
	ctrl, err := b.prodCtrl.Entity(ctx, b.entityID)
	if err != nil {
		return err
	}
	return ctrl.HandleResend(ctx, r)
}

func (b *boundReplySink) SendAck(ctx context.Context, a delivery.Ack) error {
	ctrl, err := b.prodCtrl.Entity(ctx, b.entityID)
	if err != nil {
		return err
	}
	return ctrl.HandleAck(ctx, a)
}

func (b *boundReplySink) SendRegisterConsumer(ctx context.Context, r delivery.RegisterConsumer) error {
	return nil // §4.5: the first SequencedMessage is the registration, not RegisterConsumer.
}

func TestShardingEndToEnd_deliversIndependentSequencesPerEntity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const prefix = "orders"

	var consHolder atomic.Pointer[sharding.ConsumerController[string]]
	router := sharding.RouterFunc[string](func(ctx context.Context, env sharding.Envelope[string]) error {
		return consHolder.Load().HandleSequencedMessage(ctx, env.Msg)
	})

	prodCtrl, err := sharding.NewProducerController[string](sharding.ProducerConfig{
		Name:             "orders-producer",
		ProducerIDPrefix: prefix,
	}, router)
	require.NoError(t, err)
	require.NoError(t, prodCtrl.Start(ctx))
	defer prodCtrl.Stop(context.Background())

	cons, err := sharding.NewConsumerController[string](sharding.ConsumerConfig{
		Name:       "orders-consumer",
		ResendLost: true,
	}, func(producerID string) consumer.ProducerSink {
		entityID := strings.TrimPrefix(producerID, prefix+"/")
		return &boundReplySink{prodCtrl: prodCtrl, entityID: entityID}
	})
	require.NoError(t, err)
	require.NoError(t, cons.Start(ctx))
	defer cons.Stop(context.Background())
	consHolder.Store(cons)

	require.NoError(t, prodCtrl.Publish(ctx, "alice", "a1"))
	require.NoError(t, prodCtrl.Publish(ctx, "bob", "b1"))
	require.NoError(t, prodCtrl.Publish(ctx, "alice", "a2"))

	got := map[string][]delivery.Delivery[string]{}
	for i := 0; i < 3; i++ {
		select {
		case d := <-cons.Deliveries():
			got[d.ProducerID] = append(got[d.ProducerID], d)
			d.ConfirmTo(d.SeqNr)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for sharded delivery")
		}
	}

	alice := got[prefix+"/alice"]
	bob := got[prefix+"/bob"]
	require.Len(t, alice, 2)
	require.Len(t, bob, 1)
	assert.Equal(t, uint64(1), alice[0].SeqNr)
	assert.Equal(t, "a1", alice[0].Msg)
	assert.Equal(t, uint64(2), alice[1].SeqNr)
	assert.Equal(t, "a2", alice[1].Msg)
	assert.Equal(t, uint64(1), bob[0].SeqNr)
	assert.Equal(t, "b1", bob[0].Msg)
}
