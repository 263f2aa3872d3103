package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// Codec encodes and decodes every wire and persistent form for one
// application payload type A, using payload to turn Msg fields into bytes.
type Codec[A any] struct {
	payload PayloadCodec[A]
}

// NewCodec builds a Codec backed by payload.
func NewCodec[A any](payload PayloadCodec[A]) *Codec[A] {
	return &Codec[A]{payload: payload}
}

// EncodeSequencedMessage serializes a SequencedMessage wire envelope.
func (c *Codec[A]) EncodeSequencedMessage(m delivery.SequencedMessage[A]) ([]byte, error) {
	data, err := c.payload.Encode(m.Msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode SequencedMessage payload: %w", err)
	}
	var b []byte
	b = appendStringField(b, fieldSeqMsgProducerID, m.ProducerID)
	b = appendVarintField(b, fieldSeqMsgSeqNr, m.SeqNr)
	b = appendBytesField(b, fieldSeqMsgPayload, data)
	b = appendBool(b, fieldSeqMsgFirst, m.First)
	b = appendBool(b, fieldSeqMsgAck, m.Ack)
	b = appendStringField(b, fieldSeqMsgProducerRf, m.ProducerRef)
	return b, nil
}

// DecodeSequencedMessage parses bytes produced by EncodeSequencedMessage.
func (c *Codec[A]) DecodeSequencedMessage(data []byte) (delivery.SequencedMessage[A], error) {
	var m delivery.SequencedMessage[A]
	var payload []byte
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case fieldSeqMsgProducerID:
			m.ProducerID = string(raw)
		case fieldSeqMsgSeqNr:
			m.SeqNr = decodeVarint(raw)
		case fieldSeqMsgPayload:
			payload = raw
		case fieldSeqMsgFirst:
			m.First = decodeVarint(raw) != 0
		case fieldSeqMsgAck:
			m.Ack = decodeVarint(raw) != 0
		case fieldSeqMsgProducerRf:
			m.ProducerRef = string(raw)
		}
		return nil
	})
	if err != nil {
		return m, fmt.Errorf("wire: decode SequencedMessage: %w", err)
	}
	msg, err := c.payload.Decode(payload)
	if err != nil {
		return m, fmt.Errorf("wire: decode SequencedMessage payload: %w", err)
	}
	m.Msg = msg
	return m, nil
}

// EncodeRequest serializes a Request flow-control signal.
func EncodeRequest(r delivery.Request) []byte {
	var b []byte
	b = appendVarintField(b, fieldRequestConfirmed, r.ConfirmedSeqNr)
	b = appendVarintField(b, fieldRequestUpTo, r.UpToSeqNr)
	b = appendBool(b, fieldRequestResend, r.SupportResend)
	b = appendBool(b, fieldRequestTimeout, r.ViaTimeout)
	return b
}

// DecodeRequest parses bytes produced by EncodeRequest.
func DecodeRequest(data []byte) (delivery.Request, error) {
	var r delivery.Request
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case fieldRequestConfirmed:
			r.ConfirmedSeqNr = decodeVarint(raw)
		case fieldRequestUpTo:
			r.UpToSeqNr = decodeVarint(raw)
		case fieldRequestResend:
			r.SupportResend = decodeVarint(raw) != 0
		case fieldRequestTimeout:
			r.ViaTimeout = decodeVarint(raw) != 0
		}
		return nil
	})
	if err != nil {
		return r, fmt.Errorf("wire: decode Request: %w", err)
	}
	return r, r.Validate()
}

// EncodeResend serializes a Resend request.
func EncodeResend(r delivery.Resend) []byte {
	return appendVarintField(nil, fieldResendFrom, r.FromSeqNr)
}

// DecodeResend parses bytes produced by EncodeResend.
func DecodeResend(data []byte) (delivery.Resend, error) {
	var r delivery.Resend
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if num == fieldResendFrom {
			r.FromSeqNr = decodeVarint(raw)
		}
		return nil
	})
	if err != nil {
		return r, fmt.Errorf("wire: decode Resend: %w", err)
	}
	return r, nil
}

// EncodeAck serializes an Ack.
func EncodeAck(a delivery.Ack) []byte {
	return appendVarintField(nil, fieldAckConfirmed, a.ConfirmedSeqNr)
}

// DecodeAck parses bytes produced by EncodeAck.
func DecodeAck(data []byte) (delivery.Ack, error) {
	var a delivery.Ack
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if num == fieldAckConfirmed {
			a.ConfirmedSeqNr = decodeVarint(raw)
		}
		return nil
	})
	if err != nil {
		return a, fmt.Errorf("wire: decode Ack: %w", err)
	}
	return a, nil
}

// EncodeRegisterConsumer serializes a RegisterConsumer handshake message.
func EncodeRegisterConsumer(r delivery.RegisterConsumer) []byte {
	return appendStringField(nil, fieldRegisterConsumerRef, r.ConsumerRef)
}

// DecodeRegisterConsumer parses bytes produced by EncodeRegisterConsumer.
func DecodeRegisterConsumer(data []byte) (delivery.RegisterConsumer, error) {
	var r delivery.RegisterConsumer
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if num == fieldRegisterConsumerRef {
			r.ConsumerRef = string(raw)
		}
		return nil
	})
	if err != nil {
		return r, fmt.Errorf("wire: decode RegisterConsumer: %w", err)
	}
	return r, nil
}

// EncodeMessageSent serializes a durable-queue MessageSent event.
func (c *Codec[A]) EncodeMessageSent(m delivery.MessageSent[A]) ([]byte, error) {
	data, err := c.payload.Encode(m.Msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode MessageSent payload: %w", err)
	}
	var b []byte
	b = appendVarintField(b, fieldMsgSentSeqNr, m.SeqNr)
	b = appendBytesField(b, fieldMsgSentPayload, data)
	b = appendBool(b, fieldMsgSentAck, m.Ack)
	b = appendStringField(b, fieldMsgSentQualifier, m.Qualifier)
	return b, nil
}

// DecodeMessageSent parses bytes produced by EncodeMessageSent.
func (c *Codec[A]) DecodeMessageSent(data []byte) (delivery.MessageSent[A], error) {
	var m delivery.MessageSent[A]
	var payload []byte
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case fieldMsgSentSeqNr:
			m.SeqNr = decodeVarint(raw)
		case fieldMsgSentPayload:
			payload = raw
		case fieldMsgSentAck:
			m.Ack = decodeVarint(raw) != 0
		case fieldMsgSentQualifier:
			m.Qualifier = string(raw)
		}
		return nil
	})
	if err != nil {
		return m, fmt.Errorf("wire: decode MessageSent: %w", err)
	}
	msg, err := c.payload.Decode(payload)
	if err != nil {
		return m, fmt.Errorf("wire: decode MessageSent payload: %w", err)
	}
	m.Msg = msg
	return m, nil
}

// EncodeConfirmed serializes a durable-queue Confirmed event.
func EncodeConfirmed(c delivery.Confirmed) []byte {
	var b []byte
	b = appendVarintField(b, fieldConfirmedSeqNr, c.SeqNr)
	b = appendStringField(b, fieldConfirmedQualifier, c.Qualifier)
	return b
}

// DecodeConfirmed parses bytes produced by EncodeConfirmed.
func DecodeConfirmed(data []byte) (delivery.Confirmed, error) {
	var c delivery.Confirmed
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case fieldConfirmedSeqNr:
			c.SeqNr = decodeVarint(raw)
		case fieldConfirmedQualifier:
			c.Qualifier = string(raw)
		}
		return nil
	})
	if err != nil {
		return c, fmt.Errorf("wire: decode Confirmed: %w", err)
	}
	return c, nil
}

// EncodeDurableState serializes a full DurableState snapshot. The queues in
// internal/durablequeue do not use it: they keep their state in their own
// form and encode only the payload through a PayloadCodec.
func (c *Codec[A]) EncodeDurableState(s delivery.DurableState[A]) ([]byte, error) {
	var b []byte
	b = appendVarintField(b, fieldStateCurrent, s.CurrentSeqNr)
	b = appendVarintField(b, fieldStateHighConfirm, s.HighestConfirmedSeqNr)
	for qualifier, seqNr := range s.ConfirmedSeqNrByQualifier {
		var entry []byte
		entry = appendStringField(entry, fieldQualMapKey, qualifier)
		entry = appendVarintField(entry, fieldQualMapVal, seqNr)
		b = appendBytesField(b, fieldStateQualMap, entry)
	}
	for _, sent := range s.Unconfirmed {
		enc, err := c.EncodeMessageSent(sent)
		if err != nil {
			return nil, fmt.Errorf("wire: encode DurableState unconfirmed[%d]: %w", sent.SeqNr, err)
		}
		b = appendBytesField(b, fieldStateUnconfirmed, enc)
	}
	return b, nil
}

// DecodeDurableState parses bytes produced by EncodeDurableState.
func (c *Codec[A]) DecodeDurableState(data []byte) (delivery.DurableState[A], error) {
	s := delivery.NewDurableState[A]()
	var decodeErr error
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case fieldStateCurrent:
			s.CurrentSeqNr = decodeVarint(raw)
		case fieldStateHighConfirm:
			s.HighestConfirmedSeqNr = decodeVarint(raw)
		case fieldStateQualMap:
			var qualifier string
			var seqNr uint64
			err := consumeFields(raw, func(n protowire.Number, t protowire.Type, r []byte) error {
				switch n {
				case fieldQualMapKey:
					qualifier = string(r)
				case fieldQualMapVal:
					seqNr = decodeVarint(r)
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.ConfirmedSeqNrByQualifier[qualifier] = seqNr
		case fieldStateUnconfirmed:
			sent, err := c.DecodeMessageSent(raw)
			if err != nil {
				decodeErr = err
				return nil
			}
			s.Unconfirmed = append(s.Unconfirmed, sent)
		}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("wire: decode DurableState: %w", err)
	}
	if decodeErr != nil {
		return s, fmt.Errorf("wire: decode DurableState unconfirmed entry: %w", decodeErr)
	}
	return s, nil
}
