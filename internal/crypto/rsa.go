// Package crypto wraps the RSA primitives the chat protocol is built
// on: 2048-bit key pairs, DER public-key encoding, and PKCS#1 v1.5
// encryption of single blocks.
//
// The protocol encrypts every chunk directly under the peer's RSA key
// rather than under a negotiated symmetric key.  That gives no forward
// secrecy and costs one RSA operation per 240 bytes, but the peer
// expects exactly this, so it is reproduced as is.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	ncerr "exochat/internal/errors"
)

const (
	// KeyBits is the modulus size of every key pair in the protocol.
	KeyBits = 2048

	// pkcs1Overhead is the padding PKCS#1 v1.5 adds to every block.
	pkcs1Overhead = 11
)

var (
	ErrInvalidKey = ncerr.New("invalid RSA public key")
)

// GenerateKeyPair generates a fresh RSA key pair of the given size.
// A bits value of 0 means [KeyBits].
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = KeyBits
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// MarshalPublicKey encodes key as PKIX DER, the layout Java's
// X509EncodedKeySpec reads.
func MarshalPublicKey(key *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(key)
}

// ParsePublicKey decodes a DER RSA public key.  PKIX is tried first;
// a bare PKCS#1 key is accepted as a fallback.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", ErrInvalidKey, pub)
		}
		return rsaPub, nil
	}

	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// MaxPlaintext returns the largest block key can encrypt in one
// PKCS#1 v1.5 operation (245 bytes for a 2048-bit key).
func MaxPlaintext(key *rsa.PublicKey) int {
	return key.Size() - pkcs1Overhead
}

// Encrypt encrypts one block with the public key using PKCS#1 v1.5.
func Encrypt(key *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, key, plaintext)
	if err != nil {
		return nil, &ncerr.CryptoError{Op: "encrypt", Err: err}
	}
	return ct, nil
}

// Decrypt decrypts one block with the private key using PKCS#1 v1.5.
func Decrypt(key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, key, ciphertext)
	if err != nil {
		return nil, &ncerr.CryptoError{Op: "decrypt", Err: err}
	}
	return pt, nil
}
