package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/reliable-delivery/internal/consumer"
	"github.com/jrepp/reliable-delivery/internal/producer"
	"github.com/jrepp/reliable-delivery/internal/transport"
)

func TestWire_deliversPublishedMessagesEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prod, err := producer.New[string](producer.Config{Name: "p"})
	require.NoError(t, err)
	require.NoError(t, prod.Start(ctx, "producer-ref-1"))
	defer prod.Stop(context.Background())

	cons, err := consumer.New[string](consumer.Config{Name: "c", ResendLost: true})
	require.NoError(t, err)
	require.NoError(t, cons.Start(ctx, "consumer-ref-1"))
	defer cons.Stop(context.Background())

	require.NoError(t, transport.Wire[string](ctx, prod, cons, "producer-ref-1"))

	require.NoError(t, prod.Publish(ctx, "hello"))

	select {
	case d := <-cons.Deliveries():
		assert.Equal(t, "hello", d.Msg)
		assert.Equal(t, uint64(1), d.SeqNr)
		d.ConfirmTo(d.SeqNr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for end-to-end delivery")
	}

	require.NoError(t, prod.Publish(ctx, "world"))
	select {
	case d := <-cons.Deliveries():
		assert.Equal(t, "world", d.Msg)
		assert.Equal(t, uint64(2), d.SeqNr)
		d.ConfirmTo(d.SeqNr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second end-to-end delivery")
	}

	m, err := prod.Metrics(ctx)
	require.NoError(t, err)
	// Only the first confirmation crosses back to the producer as a Request
	// (§4.2's waitingForConfirmation exit only replies on first/half-window/Ack);
	// confirming seq 2 advances the consumer's own counters but sends nothing.
	assert.EqualValues(t, 1, m.MessagesConfirmed)
}
