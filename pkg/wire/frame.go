// Package wire implements the frames exchanged between substrate nodes.
// Every frame is a canonical CBOR envelope preceded by a 4-byte big-endian
// length, so one frame on the stream is exactly one flow-level message.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/WebFirstLanguage/ouroboros/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
)

// ErrFrameTooLarge is returned for frames above constants.MaxFrameSize
var ErrFrameTooLarge = errors.New("frame too large")

// Frame is the common envelope for all node-to-node messages
type Frame struct {
	V    uint16               `cbor:"v"`              // Protocol version
	Kind uint16               `cbor:"kind"`           // Message kind
	Seq  uint64               `cbor:"seq"`            // Per-connection sequence number
	Body cborcanon.RawMessage `cbor:"body,omitempty"` // Kind-specific CBOR payload
}

// NewFrame encodes body into a frame of the given kind
func NewFrame(kind uint16, seq uint64, body interface{}) (*Frame, error) {
	f := &Frame{
		V:    constants.ProtocolVersion,
		Kind: kind,
		Seq:  seq,
	}
	if body != nil {
		raw, err := cborcanon.EncodeRaw(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode frame body: %w", err)
		}
		f.Body = raw
	}
	return f, nil
}

// Decode decodes the frame body into v
func (f *Frame) Decode(v interface{}) error {
	if len(f.Body) == 0 {
		return NewError(constants.ErrorProtocol, fmt.Sprintf("kind %d frame has no body", f.Kind))
	}
	if err := cborcanon.Unmarshal(f.Body, v); err != nil {
		return NewError(constants.ErrorProtocol, fmt.Sprintf("malformed kind %d body: %v", f.Kind, err))
	}
	return nil
}

// Validate performs basic validation on the frame
func (f *Frame) Validate() error {
	if f.V != constants.ProtocolVersion {
		return ErrVersionMismatch(constants.ProtocolVersion, f.V)
	}
	return nil
}

// IsKind checks if the frame is of the specified kind
func (f *Frame) IsKind(kind uint16) bool {
	return f.Kind == kind
}

// Marshal encodes the frame to canonical CBOR
func (f *Frame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Unmarshal decodes CBOR data into the frame
func (f *Frame) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, f)
}

// WriteFrame writes the length-prefixed frame with a single Write call
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(data) > constants.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > constants.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	f := &Frame{}
	if err := f.Unmarshal(data); err != nil {
		return nil, NewError(constants.ErrorProtocol, fmt.Sprintf("malformed frame: %v", err))
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Frame body types

// AllocRequest asks the remote node to allocate a flow to Name, or to join
// the broadcast layer Name
type AllocRequest struct {
	ID   string   `cbor:"id"`   // Request ID, echoed in the response
	Op   uint8    `cbor:"op"`   // constants.OpAlloc or constants.OpJoin
	Name string   `cbor:"name"` // Destination or broadcast layer name
	QoS  qos.Spec `cbor:"qos"`  // Requested QoS
}

// AllocResponse answers an AllocRequest
type AllocResponse struct {
	ID     string   `cbor:"id"`
	Error  *Error   `cbor:"error,omitempty"` // Set when the allocation failed
	QoS    qos.Spec `cbor:"qos"`             // Negotiated QoS
	MaxSDU uint32   `cbor:"max_sdu"`         // Largest message the flow carries
}

// HandshakeBody carries one flow encryption handshake message
type HandshakeBody struct {
	Msg []byte `cbor:"msg"`
}

// DataBody carries one flow-level message, sealed when the flow is encrypted
type DataBody struct {
	Payload []byte `cbor:"payload"`
}

// EventBody carries a link event (down, up, member join/leave)
type EventBody struct {
	Event  uint8  `cbor:"event"`
	Member string `cbor:"member,omitempty"`
}
