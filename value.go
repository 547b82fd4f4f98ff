package unison

import jsoniter "github.com/json-iterator/go"

// valueJSON is the jsoniter configuration used for every payload
// encode/decode in the protocol. Compat mode keeps field tags and map
// ordering behavior identical to encoding/json, so generated schema code
// that round-trips through encoding/json elsewhere in a deployment stays
// byte-compatible.
var valueJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeValue serializes any JSON-compatible Go value (the self-describing
// value tree: null, bool, int, float, string, array, object) to
// the bytes carried in ProtocolMessage.Payload.
func EncodeValue(v any) ([]byte, error) {
	b, err := valueJSON.Marshal(v)
	if err != nil {
		return nil, wrapf(ErrSerialization, "encode payload: %v", err)
	}
	return b, nil
}

// DecodeValue deserializes payload bytes into the supplied destination
// pointer.
func DecodeValue(payload []byte, dst any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := valueJSON.Unmarshal(payload, dst); err != nil {
		return wrapf(ErrSerialization, "decode payload: %v", err)
	}
	return nil
}

// DecodeValueAs is the generic convenience form of DecodeValue, returning
// a freshly decoded T instead of requiring the caller to pre-allocate a
// destination.
func DecodeValueAs[T any](payload []byte) (T, error) {
	var out T
	err := DecodeValue(payload, &out)
	return out, err
}
