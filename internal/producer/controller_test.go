package producer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/reliable-delivery/internal/producer"
	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// recordingSink captures every SequencedMessage handed to it, the way a
// ConsumerController's inbox would receive them over a transport.
type recordingSink struct {
	mu   sync.Mutex
	sent []delivery.SequencedMessage[string]
}

func (s *recordingSink) SendSequencedMessage(_ context.Context, msg delivery.SequencedMessage[string]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSink) snapshot() []delivery.SequencedMessage[string] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]delivery.SequencedMessage[string], len(s.sent))
	copy(out, s.sent)
	return out
}

func newTestController(t *testing.T, sink *recordingSink) *producer.Controller[string] {
	t.Helper()
	cfg := producer.Config{Name: "test-producer"}
	ctrl, err := producer.New[string](cfg, producer.WithConsumerSink[string](sink))
	require.NoError(t, err)
	return ctrl
}

func TestBasicScenario_sendsInOrderAndHonorsWindow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sink := &recordingSink{}
	ctrl := newTestController(t, sink)
	require.NoError(t, ctrl.Start(ctx, "producer-ref-1"))
	defer ctrl.Stop(context.Background())

	require.NoError(t, ctrl.HandleRequest(ctx, delivery.Request{ConfirmedSeqNr: 0, UpToSeqNr: 20, SupportResend: true}))

	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, ctrl.Publish(ctx, msg))
	}

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	sent := sink.snapshot()
	assert.Equal(t, uint64(1), sent[0].SeqNr)
	assert.True(t, sent[0].First)
	assert.Equal(t, "a", sent[0].Msg)
	assert.Equal(t, uint64(2), sent[1].SeqNr)
	assert.False(t, sent[1].First)
	assert.Equal(t, uint64(3), sent[2].SeqNr)

	// confirmedSeqNr == firstSeqNr on this Request, so onRequest also
	// retransmits the (still-unconfirmed-at-send-time) rest of the epoch.
	require.NoError(t, ctrl.HandleRequest(ctx, delivery.Request{ConfirmedSeqNr: 1, UpToSeqNr: 20, SupportResend: true}))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 5 }, time.Second, 5*time.Millisecond)

	m, err := ctrl.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.MessagesConfirmed)
	assert.EqualValues(t, 5, m.MessagesSent)
	assert.EqualValues(t, 2, m.Resends)
}

// TestEpochFirstMessage_resendFirstTimerRetransmitsBeforeAnyRequest covers
// spec.md §8 Scenario 5: the producer may publish its epoch-opening message
// before the consumer's first Request can possibly have arrived (maybeActivate
// grants the first demand slot unconditionally). If that message is lost in
// transit, the ResendFirst timer must be the one thing keeping it alive —
// there is no Request-driven retransmit to fall back on yet.
func TestEpochFirstMessage_resendFirstTimerRetransmitsBeforeAnyRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sink := &recordingSink{}
	cfg := producer.Config{Name: "test-producer", ResendFirstInterval: "20ms"}
	ctrl, err := producer.New[string](cfg, producer.WithConsumerSink[string](sink))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(ctx, "producer-ref-1"))
	defer ctrl.Stop(context.Background())

	// No HandleRequest has been called yet: this publish relies entirely on
	// maybeActivate's bootstrap demand grant, the way the epoch's first
	// message always does.
	require.NoError(t, ctrl.Publish(ctx, "first"))

	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)
	first := sink.snapshot()[0]
	assert.Equal(t, uint64(1), first.SeqNr)
	assert.True(t, first.First)

	// Simulate the original transmission being lost: still no Request has
	// arrived, so only the ResendFirst timer can recover seq 1.
	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 3 }, time.Second, 5*time.Millisecond)
	for _, sm := range sink.snapshot() {
		assert.Equal(t, uint64(1), sm.SeqNr, "every retransmit before any Request must still be seq 1")
		assert.True(t, sm.First)
	}

	m, err := ctrl.Metrics(ctx)
	require.NoError(t, err)
	// onResendFirstTick retransmits directly through transmit rather than
	// through retransmitUnconfirmed, so these retransmits count toward
	// MessagesSent rather than Resends.
	assert.True(t, m.MessagesSent >= 3, "expected at least 2 retransmits of seq 1 plus the original send")
	assert.EqualValues(t, 0, m.MessagesConfirmed, "nothing has been confirmed yet: no Request has arrived")

	// Now the consumer's Request finally arrives and confirms seq 1; the
	// timer must stop resending it afterward.
	require.NoError(t, ctrl.HandleRequest(ctx, delivery.Request{ConfirmedSeqNr: 1, UpToSeqNr: 20, SupportResend: true}))
	require.Eventually(t, func() bool {
		m, err := ctrl.Metrics(ctx)
		return err == nil && m.ConfirmedSeqNr == 1
	}, time.Second, 5*time.Millisecond)

	countAfterConfirm := len(sink.snapshot())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, countAfterConfirm, len(sink.snapshot()), "ResendFirst must stop once seq 1 is confirmed")
}

func TestResend_retransmitsFromRequestedSeqNr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sink := &recordingSink{}
	ctrl := newTestController(t, sink)
	require.NoError(t, ctrl.Start(ctx, "producer-ref-1"))
	defer ctrl.Stop(context.Background())

	require.NoError(t, ctrl.HandleRequest(ctx, delivery.Request{ConfirmedSeqNr: 0, UpToSeqNr: 20, SupportResend: true}))
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, ctrl.Publish(ctx, msg))
	}
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 5 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.HandleResend(ctx, delivery.Resend{FromSeqNr: 3}))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 8 }, time.Second, 5*time.Millisecond)
	sent := sink.snapshot()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 3, 4, 5}, seqNrs(sent))
}

func TestPublishWithConfirmation_repliesAfterConfirmedSeqNrReachesAssignedSeqNr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sink := &recordingSink{}
	ctrl := newTestController(t, sink)
	require.NoError(t, ctrl.Start(ctx, "producer-ref-1"))
	defer ctrl.Stop(context.Background())

	require.NoError(t, ctrl.HandleRequest(ctx, delivery.Request{ConfirmedSeqNr: 0, UpToSeqNr: 20, SupportResend: true}))

	replyCh := make(chan uint64, 1)
	errCh := make(chan error, 1)
	go func() {
		seqNr, err := ctrl.PublishWithConfirmation(ctx, "a")
		if err != nil {
			errCh <- err
			return
		}
		replyCh <- seqNr
	}()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	select {
	case <-replyCh:
		t.Fatal("reply arrived before confirmation")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, ctrl.HandleRequest(ctx, delivery.Request{ConfirmedSeqNr: 1, UpToSeqNr: 20, SupportResend: true}))

	select {
	case seqNr := <-replyCh:
		assert.EqualValues(t, 1, seqNr)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmation reply")
	}
}

func seqNrs(msgs []delivery.SequencedMessage[string]) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.SeqNr
	}
	return out
}
