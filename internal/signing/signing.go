package signing

import (
	"crypto/aes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/aead/cmac"
)

// DecodeHex decodes hex-encoded key material.
func DecodeHex(value string) ([]byte, error) {
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value: %w", err)
	}
	return b, nil
}

// SignSymmetric returns the hex AES-CMAC of message under the hex-encoded key.
// The AES variant follows the key length (16, 24 or 32 bytes).
func SignSymmetric(message []byte, key string) (string, error) {
	keyBytes, err := DecodeHex(key)
	if err != nil {
		return "", err
	}
	return SignSymmetricKey(message, keyBytes)
}

func SignSymmetricKey(message, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("invalid row key: %w", err)
	}

	mac, err := cmac.Sum(message, block, block.BlockSize())
	if err != nil {
		return "", fmt.Errorf("failed to compute cmac: %w", err)
	}

	return hex.EncodeToString(mac), nil
}

// SignAsymmetric returns the hex detached Ed25519 signature of message.
// The private key may be a 32-byte seed or a 64-byte expanded key.
func SignAsymmetric(message []byte, privateKey string) (string, error) {
	keyBytes, err := DecodeHex(privateKey)
	if err != nil {
		return "", err
	}
	return SignAsymmetricKey(message, keyBytes)
}

func SignAsymmetricKey(message, privateKey []byte) (string, error) {
	priv, err := toPrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, message)), nil
}

// VerifyAsymmetric checks a hex signature against a hex Ed25519 public key.
func VerifyAsymmetric(message []byte, signature, publicKey string) (bool, error) {
	pub, err := DecodeHex(publicKey)
	if err != nil {
		return false, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key length: %d", len(pub))
	}

	sig, err := DecodeHex(signature)
	if err != nil {
		return false, err
	}

	return ed25519.Verify(ed25519.PublicKey(pub), message, sig), nil
}

// PublicKey derives the hex public key for a hex batch key.
func PublicKey(privateKey string) (string, error) {
	keyBytes, err := DecodeHex(privateKey)
	if err != nil {
		return "", err
	}
	priv, err := toPrivateKey(keyBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

func toPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	switch len(key) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(key), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(key), nil
	default:
		return nil, fmt.Errorf("invalid batch key length: %d", len(key))
	}
}
