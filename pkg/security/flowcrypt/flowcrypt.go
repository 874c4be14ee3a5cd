// Package flowcrypt implements end-to-end flow encryption. The two ends of a
// flow run a Noise NN handshake and then seal every message with the
// resulting cipher states, one per direction.
package flowcrypt

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/flynn/noise"
)

// Overhead is the authentication tag added to each sealed message
const Overhead = 16

// MaxPlaintext is the largest message a session can seal
const MaxPlaintext = noise.MaxMsgLen - Overhead

var (
	// ErrUnsupportedStrength is returned for cipher strengths other than 128 and 256
	ErrUnsupportedStrength = errors.New("unsupported cipher strength")
	// ErrHandshake wraps failures while establishing a session
	ErrHandshake = errors.New("flow encryption handshake failed")
	// ErrMessageTooLarge is returned by Seal for messages above MaxPlaintext
	ErrMessageTooLarge = errors.New("message too large to seal")
)

// MessageConn carries handshake messages with their boundaries preserved
type MessageConn interface {
	WriteMessage(msg []byte) error
	ReadMessage() ([]byte, error)
}

// SuiteFor returns the cipher suite used for a negotiated strength:
// AES-GCM for 128 bits, ChaCha20-Poly1305 for 256 bits
func SuiteFor(strength uint16) (noise.CipherSuite, error) {
	switch strength {
	case 128:
		return noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256), nil
	case 256:
		return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedStrength, strength)
	}
}

// Session holds the cipher states of an established flow
type Session struct {
	strength uint16
	binding  []byte

	smu  sync.Mutex
	send *noise.CipherState

	rmu  sync.Mutex
	recv *noise.CipherState
}

// Initiate runs the initiator side of the handshake over conn
func Initiate(conn MessageConn, strength uint16) (*Session, error) {
	hs, err := newHandshake(strength, true)
	if err != nil {
		return nil, err
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := conn.WriteMessage(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	// <- e, ee
	reply, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, fmt.Errorf("%w: handshake did not complete", ErrHandshake)
	}

	return &Session{strength: strength, binding: hs.ChannelBinding(), send: cs1, recv: cs2}, nil
}

// Respond runs the responder side of the handshake over conn
func Respond(conn MessageConn, strength uint16) (*Session, error) {
	hs, err := newHandshake(strength, false)
	if err != nil {
		return nil, err
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	reply, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, fmt.Errorf("%w: handshake did not complete", ErrHandshake)
	}
	if err := conn.WriteMessage(reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	return &Session{strength: strength, binding: hs.ChannelBinding(), send: cs2, recv: cs1}, nil
}

func newHandshake(strength uint16, initiator bool) (*noise.HandshakeState, error) {
	suite, err := SuiteFor(strength)
	if err != nil {
		return nil, err
	}

	// Both ends bind the protocol and the negotiated strength
	prologue := []byte(fmt.Sprintf("%s/cipher=%d", constants.ALPN, strength))

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: suite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   initiator,
		Prologue:    prologue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return hs, nil
}

// Strength returns the cipher strength in bits
func (s *Session) Strength() uint16 {
	return s.strength
}

// ChannelBinding returns the handshake hash; equal on both ends
func (s *Session) ChannelBinding() []byte {
	return s.binding
}

// Seal encrypts one outgoing message
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintext {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(plaintext))
	}

	s.smu.Lock()
	defer s.smu.Unlock()
	return s.send.Encrypt(nil, nil, plaintext)
}

// Open decrypts one incoming message. Messages must be opened in the order
// they were sealed.
func (s *Session) Open(ciphertext []byte) ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.recv.Decrypt(nil, nil, ciphertext)
}
