package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/reliable-delivery/pkg/delivery"
	"github.com/jrepp/reliable-delivery/pkg/wire"
)

type payload struct {
	Body string `json:"body"`
	N    int    `json:"n"`
}

func TestSequencedMessageRoundTrip(t *testing.T) {
	codec := wire.NewCodec[payload](wire.NewJSONPayloadCodec[payload]())

	in := delivery.SequencedMessage[payload]{
		ProducerID:  "producer-1",
		SeqNr:       42,
		Msg:         payload{Body: "hello", N: 7},
		First:       true,
		Ack:         false,
		ProducerRef: "ref-abc",
	}

	data, err := codec.EncodeSequencedMessage(in)
	require.NoError(t, err)

	out, err := codec.DecodeSequencedMessage(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSequencedMessageRoundTrip_zeroValues(t *testing.T) {
	codec := wire.NewCodec[payload](wire.NewJSONPayloadCodec[payload]())

	in := delivery.SequencedMessage[payload]{SeqNr: 1}
	data, err := codec.EncodeSequencedMessage(in)
	require.NoError(t, err)

	out, err := codec.DecodeSequencedMessage(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRequestRoundTrip(t *testing.T) {
	in := delivery.Request{ConfirmedSeqNr: 5, UpToSeqNr: 25, SupportResend: true, ViaTimeout: true}
	out, err := wire.DecodeRequest(wire.EncodeRequest(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRequestRoundTrip_rejectsInvalid(t *testing.T) {
	in := delivery.Request{ConfirmedSeqNr: 10, UpToSeqNr: 1}
	_, err := wire.DecodeRequest(wire.EncodeRequest(in))
	assert.Error(t, err)
}

func TestResendRoundTrip(t *testing.T) {
	in := delivery.Resend{FromSeqNr: 13}
	out, err := wire.DecodeResend(wire.EncodeResend(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestAckRoundTrip(t *testing.T) {
	in := delivery.Ack{ConfirmedSeqNr: 99}
	out, err := wire.DecodeAck(wire.EncodeAck(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRegisterConsumerRoundTrip(t *testing.T) {
	in := delivery.RegisterConsumer{ConsumerRef: "consumer-7"}
	out, err := wire.DecodeRegisterConsumer(wire.EncodeRegisterConsumer(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMessageSentRoundTrip(t *testing.T) {
	codec := wire.NewCodec[payload](wire.NewJSONPayloadCodec[payload]())
	in := delivery.MessageSent[payload]{SeqNr: 3, Msg: payload{Body: "x", N: 1}, Ack: true, Qualifier: "entity-a"}

	data, err := codec.EncodeMessageSent(in)
	require.NoError(t, err)

	out, err := codec.DecodeMessageSent(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestConfirmedRoundTrip(t *testing.T) {
	in := delivery.Confirmed{SeqNr: 11, Qualifier: "entity-b"}
	out, err := wire.DecodeConfirmed(wire.EncodeConfirmed(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDurableStateRoundTrip(t *testing.T) {
	codec := wire.NewCodec[payload](wire.NewJSONPayloadCodec[payload]())

	in := delivery.DurableState[payload]{
		CurrentSeqNr:          5,
		HighestConfirmedSeqNr: 3,
		ConfirmedSeqNrByQualifier: map[string]uint64{
			"entity-a": 3,
			"entity-b": 1,
		},
		Unconfirmed: []delivery.MessageSent[payload]{
			{SeqNr: 4, Msg: payload{Body: "m4", N: 4}, Qualifier: "entity-a"},
			{SeqNr: 5, Msg: payload{Body: "m5", N: 5}, Qualifier: "entity-a", Ack: true},
		},
	}

	data, err := codec.EncodeDurableState(in)
	require.NoError(t, err)

	out, err := codec.DecodeDurableState(data)
	require.NoError(t, err)
	assert.Equal(t, in.CurrentSeqNr, out.CurrentSeqNr)
	assert.Equal(t, in.HighestConfirmedSeqNr, out.HighestConfirmedSeqNr)
	assert.Equal(t, in.ConfirmedSeqNrByQualifier, out.ConfirmedSeqNrByQualifier)
	assert.Equal(t, in.Unconfirmed, out.Unconfirmed)
}

func TestDurableStateRoundTrip_empty(t *testing.T) {
	codec := wire.NewCodec[payload](wire.NewJSONPayloadCodec[payload]())
	in := delivery.NewDurableState[payload]()

	data, err := codec.EncodeDurableState(in)
	require.NoError(t, err)

	out, err := codec.DecodeDurableState(data)
	require.NoError(t, err)
	assert.Equal(t, in.CurrentSeqNr, out.CurrentSeqNr)
	assert.Empty(t, out.Unconfirmed)
}
