package consumer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/reliable-delivery/internal/consumer"
	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// recordingProducer captures every flow-control message sent to it, the way
// a ProducerController's inbox would receive them over a transport.
type recordingProducer struct {
	mu                sync.Mutex
	requests          []delivery.Request
	resends           []delivery.Resend
	acks              []delivery.Ack
	registerConsumers []delivery.RegisterConsumer
}

func (p *recordingProducer) SendRequest(_ context.Context, req delivery.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return nil
}

func (p *recordingProducer) SendResend(_ context.Context, r delivery.Resend) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resends = append(p.resends, r)
	return nil
}

func (p *recordingProducer) SendAck(_ context.Context, a delivery.Ack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acks = append(p.acks, a)
	return nil
}

func (p *recordingProducer) SendRegisterConsumer(_ context.Context, r delivery.RegisterConsumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerConsumers = append(p.registerConsumers, r)
	return nil
}

func (p *recordingProducer) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *recordingProducer) lastRequest() delivery.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func (p *recordingProducer) resendSnapshot() []delivery.Resend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]delivery.Resend, len(p.resends))
	copy(out, p.resends)
	return out
}

func newStarted(t *testing.T, ctx context.Context) (*consumer.Controller[string], *recordingProducer) {
	t.Helper()
	cfg := consumer.Config{Name: "test-consumer", ResendLost: true}
	ctrl, err := consumer.New[string](cfg)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(ctx, "consumer-ref-1"))

	producer := &recordingProducer{}
	require.NoError(t, ctrl.RegisterToProducerController(ctx, "producer-ref-1", producer))
	return ctrl, producer
}

func TestBasicScenario_deliversInOrderAndRequestsWindow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ctrl, producer := newStarted(t, ctx)
	defer ctrl.Stop(context.Background())

	first := delivery.SequencedMessage[string]{ProducerID: "p1", SeqNr: 1, Msg: "a", First: true, ProducerRef: "producer-ref-1"}
	require.NoError(t, ctrl.HandleSequencedMessage(ctx, first))

	select {
	case d := <-ctrl.Deliveries():
		assert.Equal(t, uint64(1), d.SeqNr)
		assert.Equal(t, "a", d.Msg)
		d.ConfirmTo(d.SeqNr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	require.Eventually(t, func() bool { return producer.requestCount() >= 2 }, time.Second, 5*time.Millisecond)
	req := producer.lastRequest()
	assert.EqualValues(t, 1, req.ConfirmedSeqNr)
	assert.EqualValues(t, 20, req.UpToSeqNr)

	second := delivery.SequencedMessage[string]{ProducerID: "p1", SeqNr: 2, Msg: "b", ProducerRef: "producer-ref-1"}
	require.NoError(t, ctrl.HandleSequencedMessage(ctx, second))
	select {
	case d := <-ctrl.Deliveries():
		assert.Equal(t, uint64(2), d.SeqNr)
		d.ConfirmTo(d.SeqNr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second delivery")
	}
}

func TestGapDetection_requestsResendAndDropsUntilExpected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ctrl, producer := newStarted(t, ctx)
	defer ctrl.Stop(context.Background())

	first := delivery.SequencedMessage[string]{ProducerID: "p1", SeqNr: 1, Msg: "a", First: true, ProducerRef: "producer-ref-1"}
	require.NoError(t, ctrl.HandleSequencedMessage(ctx, first))
	drain(t, ctrl, 1)

	gap := delivery.SequencedMessage[string]{ProducerID: "p1", SeqNr: 3, Msg: "c", ProducerRef: "producer-ref-1"}
	require.NoError(t, ctrl.HandleSequencedMessage(ctx, gap))

	require.Eventually(t, func() bool { return len(producer.resendSnapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, producer.resendSnapshot()[0].FromSeqNr)

	dup := delivery.SequencedMessage[string]{ProducerID: "p1", SeqNr: 1, Msg: "a", ProducerRef: "producer-ref-1"}
	require.NoError(t, ctrl.HandleSequencedMessage(ctx, dup))

	select {
	case <-ctrl.Deliveries():
		t.Fatal("duplicate below expected seq nr should not be delivered")
	case <-time.After(50 * time.Millisecond):
	}

	resent := delivery.SequencedMessage[string]{ProducerID: "p1", SeqNr: 2, Msg: "b", ProducerRef: "producer-ref-1"}
	require.NoError(t, ctrl.HandleSequencedMessage(ctx, resent))
	drain(t, ctrl, 2)
}

func TestProducerRebinding_discardsNonFirstWhileRegistering(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ctrl, producerA := newStarted(t, ctx)
	defer ctrl.Stop(context.Background())

	first := delivery.SequencedMessage[string]{ProducerID: "pA", SeqNr: 1, Msg: "a", First: true, ProducerRef: "producer-ref-1"}
	require.NoError(t, ctrl.HandleSequencedMessage(ctx, first))
	drain(t, ctrl, 1)
	_ = producerA

	producerB := &recordingProducer{}
	require.NoError(t, ctrl.RegisterToProducerController(ctx, "producer-ref-2", producerB))
	require.Eventually(t, func() bool { return len(producerB.registerConsumers) == 1 }, time.Second, 5*time.Millisecond)

	stale := delivery.SequencedMessage[string]{ProducerID: "pA", SeqNr: 2, Msg: "b", ProducerRef: "producer-ref-1"}
	require.NoError(t, ctrl.HandleSequencedMessage(ctx, stale))
	select {
	case <-ctrl.Deliveries():
		t.Fatal("message from stale producer should be discarded while registering")
	case <-time.After(50 * time.Millisecond):
	}

	newFirst := delivery.SequencedMessage[string]{ProducerID: "pB", SeqNr: 1, Msg: "c", First: true, ProducerRef: "producer-ref-2"}
	require.NoError(t, ctrl.HandleSequencedMessage(ctx, newFirst))
	select {
	case d := <-ctrl.Deliveries():
		assert.Equal(t, "c", d.Msg)
		d.ConfirmTo(d.SeqNr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery from new producer")
	}
}

func drain(t *testing.T, ctrl *consumer.Controller[string], wantSeqNr uint64) {
	t.Helper()
	select {
	case d := <-ctrl.Deliveries():
		require.Equal(t, wantSeqNr, d.SeqNr)
		d.ConfirmTo(d.SeqNr)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery of seq nr %d", wantSeqNr)
	}
}
