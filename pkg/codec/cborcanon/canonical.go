// Package cborcanon provides the canonical CBOR encoding used on the substrate
// wire: deterministic key order, shortest integer forms, no indefinite lengths,
// and a bounded decoder for data arriving from peers.
package cborcanon

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode encodes with CTAP2-style deterministic settings
var CanonicalMode cbor.EncMode

// StrictMode decodes untrusted input: duplicate keys and indefinite lengths
// are rejected and nesting is bounded
var StrictMode cbor.DecMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}

	StrictMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  16,
		MaxArrayElements: 4096,
		MaxMapPairs:      256,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create strict CBOR decode mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR format
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v using the strict decoder
func Unmarshal(data []byte, v interface{}) error {
	return StrictMode.Unmarshal(data, v)
}

// RawMessage is an encoded CBOR value whose decoding is deferred
type RawMessage = cbor.RawMessage

// EncodeRaw encodes v and returns it as a deferred value
func EncodeRaw(v interface{}) (RawMessage, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawMessage(data), nil
}

// CanonicalBytes re-encodes data in canonical form
func CanonicalBytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	return Marshal(v)
}

// IsCanonical checks if the given CBOR bytes are in canonical form
func IsCanonical(data []byte) bool {
	canonical, err := CanonicalBytes(data)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}

// ValidateCanonical validates that the given data is canonical CBOR
func ValidateCanonical(data []byte) error {
	if !IsCanonical(data) {
		return fmt.Errorf("data is not in canonical CBOR form")
	}
	return nil
}
