package manager

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// encodeValue serializes the tagged union with a stable binary codec
// (gob, registered once at package init) ahead of AEAD encryption by
// kv/encrypted.
func encodeValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("manager: encode value: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeValue(data []byte) (Value, error) {
	var v Value
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return Value{}, fmt.Errorf("manager: decode value: %w", err)
	}
	return v, nil
}
