package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	masterKeySize = 32
	// currentKeyVersion is written with every sealed row.
	currentKeyVersion = 1
)

var (
	ErrInvalidKeyLength   = errors.New("master key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrUnknownKeyVersion  = errors.New("unknown key version")
)

// sealer encrypts values for a single installation. The AEAD key is derived
// from the master key and the installation id, and the installation id plus
// credential key are bound in as associated data.
type sealer struct {
	installationID string
	aead           cipher.AEAD
}

func newSealer(masterKey []byte, installationID string) (*sealer, error) {
	if len(masterKey) != masterKeySize {
		return nil, ErrInvalidKeyLength
	}
	derived := make([]byte, 32)
	h := hkdf.New(sha256.New, masterKey, []byte(installationID), []byte("relaykit credential v1"))
	if _, err := io.ReadFull(h, derived); err != nil {
		return nil, fmt.Errorf("derive installation key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{installationID: installationID, aead: gcm}, nil
}

func (s *sealer) seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := s.aead.Seal(nil, nonce, plaintext, s.associatedData(key))
	return append(nonce, ct...), nil
}

func (s *sealer) open(key string, blob []byte, version int) ([]byte, error) {
	if version != currentKeyVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	ns := s.aead.NonceSize()
	if len(blob) < ns {
		return nil, ErrCiphertextTooShort
	}
	return s.aead.Open(nil, blob[:ns], blob[ns:], s.associatedData(key))
}

func (s *sealer) associatedData(key string) []byte {
	return []byte(s.installationID + "\x00" + key)
}
