// Package encryption holds the integrity primitives of the agent: the image
// digest check run over a staged slot and the HMAC signature on update commands.
package encryption

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/benmeehan/iot-ota/pkg/blockdevice"
)

var (
	ErrUnsupportedHashAlgorithm = errors.New("unsupported hash algorithm")
	ErrDigestMismatch           = errors.New("image digest mismatch")
)

// NewImageHasher returns a fresh hash for a manifest algorithm name. Names are
// matched case-insensitively.
func NewImageHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	case "sha3-256":
		return sha3.New256(), nil
	case "sha3-512":
		return sha3.New512(), nil
	case "blake2b-256":
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%q: %w", algorithm, ErrUnsupportedHashAlgorithm)
	}
}

// DigestDevice hashes the first size bytes of dev. Reads are issued in whole
// blocks of len(block) bytes (the last one included, as long as it stays on the
// device); only the bytes below size are fed to the hash.
func DigestDevice(dev blockdevice.BlockDevice, size int64, block []byte, algorithm string) ([]byte, error) {
	h, err := NewImageHasher(algorithm)
	if err != nil {
		return nil, err
	}
	if size > dev.Size() {
		return nil, fmt.Errorf("digest of %d bytes exceeds %d byte device: %w", size, dev.Size(), blockdevice.ErrOutOfRange)
	}

	blockSize := int64(len(block))
	for off := int64(0); off < size; off += blockSize {
		n := blockSize
		if off+n > dev.Size() {
			n = dev.Size() - off
		}
		if err := dev.Read(block[:n], off); err != nil {
			return nil, fmt.Errorf("read(addr=%d, size=%d): %w", off, n, err)
		}

		used := n
		if off+used > size {
			used = size - off
		}
		h.Write(block[:used])
	}

	return h.Sum(nil), nil
}

// VerifyDeviceDigest compares the digest of the first size bytes of dev with
// a base64 encoded expected value.
func VerifyDeviceDigest(dev blockdevice.BlockDevice, size int64, block []byte, algorithm, expectedBase64 string) error {
	sum, err := DigestDevice(dev, size, block, algorithm)
	if err != nil {
		return err
	}

	actual := base64.StdEncoding.EncodeToString(sum)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(strings.TrimSpace(expectedBase64))) != 1 {
		return fmt.Errorf("%s expected %s, computed %s: %w", algorithm, expectedBase64, actual, ErrDigestMismatch)
	}
	return nil
}
