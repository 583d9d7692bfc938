package secure

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// ErrCrypto reports a failed cryptographic operation. The underlying
// cause is deliberately not exposed.
var ErrCrypto = errors.New("cryptographic operation failed")

// GenerateKeyPair creates a new X25519 key pair for key exchange.
// Returns a properly clamped private key and its corresponding public key.
func GenerateKeyPair() (privateKey, publicKey []byte) {
	privateKey = make([]byte, curve25519.ScalarSize)
	io.ReadFull(rand.Reader, privateKey)

	// Clamp private key according to X25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	publicKey, _ = curve25519.X25519(privateKey, curve25519.Basepoint)
	return privateKey, publicKey
}

// GenerateNonce creates a random nonce for ChaCha20-Poly1305.
func GenerateNonce() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	io.ReadFull(rand.Reader, nonce)
	return nonce
}

// DeriveKey performs X25519 key agreement and HKDF-SHA3 key derivation.
// The credential is mixed into the input keying material, so both ends
// only arrive at the same symmetric key when they hold the same
// credential.
func DeriveKey(privateKey, peerPublicKey, nonce, credential []byte) ([]byte, error) {
	sharedSecret, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, ErrCrypto
	}

	ikm := make([]byte, 0, len(sharedSecret)+len(credential))
	ikm = append(ikm, sharedSecret...)
	ikm = append(ikm, credential...)

	kdf := hkdf.New(sha3.New256, ikm, nonce, nil)
	symmetricKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, symmetricKey); err != nil {
		return nil, ErrCrypto
	}

	return symmetricKey, nil
}

// Encrypt performs authenticated encryption using XChaCha20-Poly1305.
// Returns (nonce || ciphertext || tag).
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrCrypto
	}

	nonce := GenerateNonce()
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt performs authenticated decryption using XChaCha20-Poly1305.
// Fails when the ciphertext was sealed under a different key or was
// modified in transit.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrCrypto
	}

	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, ErrCrypto
	}

	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	body := ciphertext[chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrCrypto
	}

	return plaintext, nil
}
