package encryption

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/benmeehan/iot-ota/pkg/file"
)

// signatureSize is the length of an HMAC-SHA256 tag.
const signatureSize = sha256.Size

var ErrInvalidSignature = errors.New("invalid payload signature")

// PayloadSigner signs and verifies MQTT payloads with a shared key. The tag is
// appended to the payload.
type PayloadSigner struct {
	signingKey []byte
	fileClient file.FileOperations
}

// NewPayloadSigner creates a signer that loads its key through fileClient.
func NewPayloadSigner(fileClient file.FileOperations) *PayloadSigner {
	return &PayloadSigner{fileClient: fileClient}
}

// Initialize loads the signing key from keyPath.
func (s *PayloadSigner) Initialize(keyPath string) error {
	key, err := s.fileClient.ReadFileRaw(keyPath)
	if err != nil {
		return fmt.Errorf("failed to read signing key: %w", err)
	}
	if len(key) < 16 {
		return fmt.Errorf("signing key too short: got %d bytes, want at least 16", len(key))
	}
	s.signingKey = key
	return nil
}

// SignPayload generates an HMAC-SHA256 signature for the given payload and
// appends it.
func (s *PayloadSigner) SignPayload(payload []byte) ([]byte, error) {
	if s.signingKey == nil {
		return nil, errors.New("payload signer not initialized")
	}
	h := hmac.New(sha256.New, s.signingKey)
	h.Write(payload)
	signed := make([]byte, 0, len(payload)+signatureSize)
	signed = append(signed, payload...)
	return h.Sum(signed), nil
}

// OpenPayload checks the trailing signature and returns the payload without it.
func (s *PayloadSigner) OpenPayload(signedPayload []byte) ([]byte, error) {
	if s.signingKey == nil {
		return nil, errors.New("payload signer not initialized")
	}
	if len(signedPayload) < signatureSize {
		return nil, ErrInvalidSignature
	}

	payload := signedPayload[:len(signedPayload)-signatureSize]
	signature := signedPayload[len(signedPayload)-signatureSize:]

	h := hmac.New(sha256.New, s.signingKey)
	h.Write(payload)
	if !hmac.Equal(signature, h.Sum(nil)) {
		return nil, ErrInvalidSignature
	}
	return payload, nil
}
