// Package wire implements the serializer named in spec §6: a codec that
// round-trips the wire forms (SequencedMessage, Request, Resend, Ack,
// RegisterConsumer) exchanged between ProducerController and
// ConsumerController, and the persisted forms (MessageSent, Confirmed,
// DurableState) a DurableProducerQueue writes.
//
// Encoding is hand-rolled protobuf wire format via
// google.golang.org/protobuf/encoding/protowire — the same library the
// pack's control-plane code (pkg/plugin) and Pulsar client
// (core/frame/frame.go) use for their message framing, but without
// generated .pb.go types: every field is tagged and walked explicitly,
// which keeps the codec generic over the opaque application payload type A
// (a .proto schema cannot name a type parameter).
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PayloadCodec turns an opaque application payload into bytes and back.
// The protocol itself never inspects A; callers supply whichever codec
// fits their payload (JSON, gob, their own protobuf messages, ...).
type PayloadCodec[A any] interface {
	Encode(msg A) ([]byte, error)
	Decode(data []byte) (A, error)
}

// field numbers for the wire/persistent forms. Stable across versions:
// never renumber a shipped field.
const (
	fieldSeqMsgProducerID = 1
	fieldSeqMsgSeqNr      = 2
	fieldSeqMsgPayload    = 3
	fieldSeqMsgFirst      = 4
	fieldSeqMsgAck        = 5
	fieldSeqMsgProducerRf = 6

	fieldRequestConfirmed = 1
	fieldRequestUpTo      = 2
	fieldRequestResend    = 3
	fieldRequestTimeout   = 4

	fieldResendFrom = 1

	fieldAckConfirmed = 1

	fieldRegisterConsumerRef = 1

	fieldMsgSentSeqNr     = 1
	fieldMsgSentPayload   = 2
	fieldMsgSentAck       = 3
	fieldMsgSentQualifier = 4

	fieldConfirmedSeqNr     = 1
	fieldConfirmedQualifier = 2

	fieldStateCurrent     = 1
	fieldStateHighConfirm = 2
	fieldStateQualMap     = 3 // repeated {qualifier,seqnr}
	fieldStateUnconfirmed = 4 // repeated encoded MessageSent
	fieldQualMapKey       = 1
	fieldQualMapVal       = 2
)

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, data []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

// consumeFields walks every (fieldNumber, wireType, raw bytes) tuple in
// data, invoking fn with the decoded scalar/bytes for that wire type. Every
// field in this schema is either a varint or a length-delimited value;
// fields of any other wire type are skipped without calling fn. The first
// error fn returns stops the walk and is returned.
func consumeFields(data []byte, fn func(num protowire.Number, typ protowire.Type, data []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("wire: invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid varint: %w", protowire.ParseError(n))
			}
			// Re-encode as a standalone buffer so fn has a uniform
			// []byte view regardless of wire type.
			buf := protowire.AppendVarint(nil, v)
			if err := fn(num, typ, buf); err != nil {
				return err
			}
			data = data[n:]

		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid bytes: %w", protowire.ParseError(n))
			}
			if err := fn(num, typ, v); err != nil {
				return err
			}
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("wire: invalid field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

func decodeVarint(data []byte) uint64 {
	v, _ := protowire.ConsumeVarint(data)
	return v
}
