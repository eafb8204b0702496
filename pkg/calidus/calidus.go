// Package calidus parses a Cardano "Calidus" signing-key file (the
// cardano-cli JSON envelope around a CBOR-encoded extended Ed25519 key)
// and signs registration challenges with it.
package calidus

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"os"

	"blockperf/pkg/errs"
)

// keyFile mirrors the cardano-cli envelope: {"type":..., "cborHex": "..."}.
type keyFile struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	CBORHex     string `json:"cborHex"`
}

// SigningKey wraps the 32-byte Ed25519 seed extracted from the key file.
type SigningKey struct {
	seed []byte
}

// ParseKeyFile reads and extracts the signing key from a Calidus .skey file
// at path.
func ParseKeyFile(path string) (*SigningKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfigurationError, "read calidus key file", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, errs.Wrap(errs.KindConfigurationError, "parse calidus key file", err)
	}
	raw, err := hex.DecodeString(kf.CBORHex)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfigurationError, "decode cborHex", err)
	}
	seed, err := extractSeed(raw)
	if err != nil {
		return nil, err
	}
	return &SigningKey{seed: seed}, nil
}

// extractSeed strips the CBOR byte-string header (major type 2) and takes
// the first 32 bytes of the payload as the Ed25519 seed. An extended
// signing key's CBOR payload is a single 128-byte string: 32-byte key
// material, 32-byte extension, 64-byte chain code/metadata.
func extractSeed(cbor []byte) ([]byte, error) {
	payload, err := decodeCBORByteString(cbor)
	if err != nil {
		return nil, err
	}
	if len(payload) < 32 {
		return nil, errs.New(errs.KindConfigurationError, "calidus key payload shorter than 32 bytes")
	}
	return payload[:32], nil
}

// decodeCBORByteString decodes a single top-level CBOR byte string (major
// type 2), the only shape cardano-cli key files use. Full CBOR decoding is
// out of scope; this handles the encodings cardano-cli actually emits
// (1-byte and 2-byte length prefixes).
func decodeCBORByteString(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errs.New(errs.KindConfigurationError, "empty cbor payload")
	}
	major := b[0] >> 5
	if major != 2 {
		return nil, errs.New(errs.KindConfigurationError, "expected a CBOR byte string")
	}
	info := b[0] & 0x1f
	switch {
	case info < 24:
		n := int(info)
		if len(b) < 1+n {
			return nil, errs.New(errs.KindConfigurationError, "truncated cbor byte string")
		}
		return b[1 : 1+n], nil
	case info == 24:
		if len(b) < 2 {
			return nil, errs.New(errs.KindConfigurationError, "truncated cbor length byte")
		}
		n := int(b[1])
		if len(b) < 2+n {
			return nil, errs.New(errs.KindConfigurationError, "truncated cbor byte string")
		}
		return b[2 : 2+n], nil
	case info == 25:
		if len(b) < 3 {
			return nil, errs.New(errs.KindConfigurationError, "truncated cbor length bytes")
		}
		n := int(b[1])<<8 | int(b[2])
		if len(b) < 3+n {
			return nil, errs.New(errs.KindConfigurationError, "truncated cbor byte string")
		}
		return b[3 : 3+n], nil
	default:
		return nil, errs.New(errs.KindConfigurationError, "unsupported cbor length encoding")
	}
}

// Sign signs challenge with the Ed25519 key derived from the seed.
func (k *SigningKey) Sign(challenge []byte) []byte {
	priv := ed25519.NewKeyFromSeed(k.seed)
	return ed25519.Sign(priv, challenge)
}
