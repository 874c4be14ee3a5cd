// Package naming normalises application and broadcast-layer names and derives
// the fixed-size hashes the substrate registers them under.
package naming

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

// ErrInvalidName is returned for names that cannot be registered or resolved
var ErrInvalidName = errors.New("invalid name")

// Hash is the BLAKE3-256 digest of a normalised name
type Hash [32]byte

// Normalize trims surrounding whitespace and folds the name to NFKC
func Normalize(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}

	normalized := norm.NFKC.String(trimmed)
	if len(normalized) > constants.MaxNameLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, constants.MaxNameLength)
	}

	for _, r := range normalized {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control character %U", ErrInvalidName, r)
		}
	}

	return normalized, nil
}

// HashName normalises name and returns its hash
func HashName(name string) (Hash, error) {
	normalized, err := Normalize(name)
	if err != nil {
		return Hash{}, err
	}
	return Hash(blake3.Sum256([]byte(normalized))), nil
}

// String returns the hex form of the hash
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}
