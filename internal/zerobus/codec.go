package zerobus

import "fmt"

// rawMessage carries pre-encoded protobuf bytes through gRPC untouched.
// The batch framing is hand-encoded, so the stream uses a passthrough
// codec instead of generated message types.
type rawMessage []byte

// rawCodec implements grpc encoding.Codec for rawMessage values.
type rawCodec struct{}

func (rawCodec) Name() string { return "otbridge-raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("raw codec cannot marshal %T", v)
	}
	return *msg, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}
	*msg = append((*msg)[:0], data...)
	return nil
}
