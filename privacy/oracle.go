// Package privacy seals and opens destination addresses carried in chain events.
package privacy

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/TEENet-io/zenz-bridge/common"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrUnauthorizedDecryption = errors.New("unauthorized decryption")
	ErrMalformedCiphertext    = errors.New("malformed ciphertext")
	ErrBadKey                 = errors.New("privacy key must be 32 bytes of hex")
)

const nonceSize = 24

// Oracle is the opaque privacy layer. Decrypt failures are terminal.
type Oracle interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(sealed string) (string, error)
}

// SecretBox is a local Oracle: hex(nonce || secretbox(plaintext)).
type SecretBox struct {
	key [32]byte
}

func NewSecretBox(key [32]byte) *SecretBox {
	return &SecretBox{key: key}
}

func SecretBoxFromHex(s string) (*SecretBox, error) {
	raw, err := hex.DecodeString(common.Trim0xPrefix(s))
	if err != nil || len(raw) != 32 {
		return nil, ErrBadKey
	}
	var key [32]byte
	copy(key[:], raw)
	return NewSecretBox(key), nil
}

func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return hex.EncodeToString(sealed), nil
}

func (b *SecretBox) Decrypt(sealed string) (string, error) {
	raw, err := hex.DecodeString(common.Trim0xPrefix(sealed))
	if err != nil {
		return "", resilience.Terminal(fmt.Errorf("%w: %v", ErrMalformedCiphertext, err))
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", resilience.Terminal(ErrMalformedCiphertext)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", resilience.Terminal(ErrUnauthorizedDecryption)
	}
	return string(out), nil
}
