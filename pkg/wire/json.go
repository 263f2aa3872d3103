package wire

import "encoding/json"

// JSONPayloadCodec implements PayloadCodec by marshaling with encoding/json,
// the way producer.go and consumer.go serialize message bodies for their
// claim-check and stateStore paths. It fits any payload type that marshals
// cleanly; callers with a binary or protobuf payload should supply their own
// PayloadCodec instead.
type JSONPayloadCodec[A any] struct{}

// NewJSONPayloadCodec builds a JSONPayloadCodec for A.
func NewJSONPayloadCodec[A any]() JSONPayloadCodec[A] {
	return JSONPayloadCodec[A]{}
}

func (JSONPayloadCodec[A]) Encode(msg A) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONPayloadCodec[A]) Decode(data []byte) (A, error) {
	var msg A
	err := json.Unmarshal(data, &msg)
	return msg, err
}
