package durablequeue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/reliable-delivery/internal/durablequeue"
	"github.com/jrepp/reliable-delivery/pkg/delivery"
	"github.com/jrepp/reliable-delivery/pkg/wire"
)

func testQueues(t *testing.T) map[string]delivery.DurableProducerQueue[string] {
	t.Helper()
	sqliteQueue, err := durablequeue.OpenSQLite[string](":memory:", wire.NewJSONPayloadCodec[string]())
	require.NoError(t, err)
	t.Cleanup(func() { sqliteQueue.Close() })

	return map[string]delivery.DurableProducerQueue[string]{
		"memory": durablequeue.NewMemory[string](),
		"sqlite": sqliteQueue,
	}
}

func TestLoadState_initiallyEmpty(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := q.LoadState(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), st.CurrentSeqNr)
			assert.Equal(t, uint64(0), st.HighestConfirmedSeqNr)
			assert.Empty(t, st.Unconfirmed)
		})
	}
}

func TestStoreMessageSent_advancesCurrentSeqNrAndRoundTripsPayload(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.StoreMessageSent(ctx, delivery.MessageSent[string]{SeqNr: 1, Msg: "a", Qualifier: delivery.NoQualifier}))
			require.NoError(t, q.StoreMessageSent(ctx, delivery.MessageSent[string]{SeqNr: 2, Msg: "b", Qualifier: delivery.NoQualifier}))

			st, err := q.LoadState(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), st.CurrentSeqNr)
			require.Len(t, st.Unconfirmed, 2)
			assert.Equal(t, "a", st.Unconfirmed[0].Msg)
			assert.Equal(t, "b", st.Unconfirmed[1].Msg)
		})
	}
}

func TestStoreMessageConfirmed_removesConfirmedAndAdvancesWatermarks(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for seqNr, msg := range map[uint64]string{1: "a", 2: "b", 3: "c"} {
				require.NoError(t, q.StoreMessageSent(ctx, delivery.MessageSent[string]{SeqNr: seqNr, Msg: msg, Qualifier: delivery.NoQualifier}))
			}

			require.NoError(t, q.StoreMessageConfirmed(ctx, delivery.Confirmed{SeqNr: 2, Qualifier: delivery.NoQualifier}))

			st, err := q.LoadState(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), st.HighestConfirmedSeqNr)
			assert.Equal(t, uint64(2), st.ConfirmedSeqNrByQualifier[delivery.NoQualifier])
			require.Len(t, st.Unconfirmed, 1)
			assert.Equal(t, uint64(3), st.Unconfirmed[0].SeqNr)
		})
	}
}
