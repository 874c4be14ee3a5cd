// Package qos implements the QoS descriptor requested for and negotiated on a flow.
package qos

import (
	"errors"
	"fmt"
	"math"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
)

var (
	// ErrInvalid is returned for a descriptor with out-of-range fields
	ErrInvalid = errors.New("invalid qos spec")

	// ErrCipherUnsupported is returned when a fabric cannot provide the requested encryption
	ErrCipherUnsupported = errors.New("cipher strength not supported")
)

// Spec describes the service a flow requests or was granted.
//
//	Delay:          in ms, default 1000s
//	Bandwidth:      in bits/s, default 0 (best effort)
//	Availability:   class of 9s, default 0
//	Loss:           packet loss in ppm, default 1
//	BER:            bit error rate, errors per billion bits
//	InOrder:        in-order delivery
//	MaxGap:         maximum interruption in ms
//	CipherStrength: encryption strength in bits, 0 = no encryption
//	Timeout:        peer timeout in ms, default 120000 (2 minutes)
type Spec struct {
	Delay          uint32 `cbor:"delay" json:"delay"`
	Bandwidth      uint64 `cbor:"bandwidth" json:"bandwidth"`
	Availability   uint8  `cbor:"availability" json:"availability"`
	Loss           uint32 `cbor:"loss" json:"loss"`
	BER            uint32 `cbor:"ber" json:"ber"`
	InOrder        bool   `cbor:"in_order" json:"in_order"`
	MaxGap         uint32 `cbor:"max_gap" json:"max_gap"`
	CipherStrength uint16 `cbor:"cipher_s" json:"cipher_s"`
	Timeout        uint32 `cbor:"timeout" json:"timeout"`
}

// Default returns a fully default-constructed descriptor
func Default() Spec {
	return Spec{
		Delay:          constants.DefaultDelay,
		Bandwidth:      constants.DefaultBandwidth,
		Availability:   constants.DefaultAvailability,
		Loss:           constants.DefaultLoss,
		BER:            constants.DefaultBER,
		InOrder:        false,
		MaxGap:         constants.DefaultMaxGap,
		CipherStrength: constants.DefaultCipher,
		Timeout:        constants.DefaultPeerTimeout,
	}
}

// OrDefault dereferences s, substituting the default descriptor for nil
func OrDefault(s *Spec) Spec {
	if s == nil {
		return Default()
	}
	return *s
}

// Predefined QoS cubes
var (
	Raw = Spec{
		Delay:        math.MaxUint32,
		Bandwidth:    0,
		Availability: 0,
		Loss:         1,
		BER:          1,
		InOrder:      false,
		MaxGap:       math.MaxUint32,
		Timeout:      constants.DefaultPeerTimeout,
	}

	BestEffort = Spec{
		Delay:        math.MaxUint32,
		Bandwidth:    0,
		Availability: 0,
		Loss:         1,
		BER:          0,
		InOrder:      true,
		MaxGap:       math.MaxUint32,
		Timeout:      constants.DefaultPeerTimeout,
	}

	Video = Spec{
		Delay:        100,
		Bandwidth:    math.MaxUint64,
		Availability: 3,
		Loss:         1,
		BER:          0,
		InOrder:      true,
		MaxGap:       100,
		Timeout:      constants.DefaultPeerTimeout,
	}

	Voice = Spec{
		Delay:        50,
		Bandwidth:    100000,
		Availability: 5,
		Loss:         1,
		BER:          0,
		InOrder:      true,
		MaxGap:       50,
		Timeout:      constants.DefaultPeerTimeout,
	}

	Data = Spec{
		Delay:        1000,
		Bandwidth:    0,
		Availability: 0,
		Loss:         0,
		BER:          0,
		InOrder:      true,
		MaxGap:       2000,
		Timeout:      constants.DefaultPeerTimeout,
	}

	DataCrypt = Spec{
		Delay:          1000,
		Bandwidth:      0,
		Availability:   0,
		Loss:           0,
		BER:            0,
		InOrder:        true,
		MaxGap:         2000,
		CipherStrength: 256,
		Timeout:        constants.DefaultPeerTimeout,
	}
)

// Validate checks that every field is within its domain
func (s Spec) Validate() error {
	if s.Loss > constants.Million {
		return fmt.Errorf("%w: loss %d ppm exceeds %d", ErrInvalid, s.Loss, constants.Million)
	}
	if s.BER > constants.Billion {
		return fmt.Errorf("%w: ber %d exceeds %d", ErrInvalid, s.BER, constants.Billion)
	}
	if s.Availability > 9 {
		return fmt.Errorf("%w: availability class %d exceeds 9", ErrInvalid, s.Availability)
	}
	switch s.CipherStrength {
	case 0, 128, 256:
	default:
		return fmt.Errorf("%w: cipher strength %d", ErrInvalid, s.CipherStrength)
	}
	return nil
}

// Encrypted reports whether the descriptor asks for flow encryption
func (s Spec) Encrypted() bool {
	return s.CipherStrength > 0
}

// String returns a compact human-readable form
func (s Spec) String() string {
	return fmt.Sprintf("delay=%dms bw=%db/s avail=%d loss=%dppm ber=%d in_order=%t max_gap=%dms cipher=%d timeout=%dms",
		s.Delay, s.Bandwidth, s.Availability, s.Loss, s.BER, s.InOrder, s.MaxGap, s.CipherStrength, s.Timeout)
}

// Caps describes what a fabric is able to grant
type Caps struct {
	// MaxBandwidth in bits/s, 0 means unlimited
	MaxBandwidth uint64
	// MinDelay is the lowest delay bound the fabric can promise, in ms
	MinDelay uint32
	// MaxAvailability is the highest availability class
	MaxAvailability uint8
	// MinLoss is the lowest loss the fabric can promise, in ppm
	MinLoss uint32
	// MaxCipher is the strongest encryption available, in bits
	MaxCipher uint16
	// InOrder reports whether in-order delivery is available
	InOrder bool
}

// UnlimitedCaps grants every valid request unchanged
func UnlimitedCaps() Caps {
	return Caps{
		MaxAvailability: 9,
		MaxCipher:       256,
		InOrder:         true,
	}
}

// Negotiate returns the descriptor the fabric grants for req. Values the fabric
// cannot meet are adjusted towards what it can offer; encryption is never
// silently weakened.
func (c Caps) Negotiate(req Spec) (Spec, error) {
	if err := req.Validate(); err != nil {
		return Spec{}, err
	}
	if req.CipherStrength > c.MaxCipher {
		return Spec{}, fmt.Errorf("%w: requested %d bits, fabric offers %d",
			ErrCipherUnsupported, req.CipherStrength, c.MaxCipher)
	}

	granted := req
	if c.MaxBandwidth > 0 && granted.Bandwidth > c.MaxBandwidth {
		granted.Bandwidth = c.MaxBandwidth
	}
	if granted.Delay < c.MinDelay {
		granted.Delay = c.MinDelay
	}
	if granted.Availability > c.MaxAvailability {
		granted.Availability = c.MaxAvailability
	}
	if granted.Loss < c.MinLoss {
		granted.Loss = c.MinLoss
	}
	if !c.InOrder {
		granted.InOrder = false
	}
	return granted, nil
}
