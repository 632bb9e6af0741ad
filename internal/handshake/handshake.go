// Package handshake runs the two phases that precede the frame stream:
// an RSA public-key swap and a credential login.
//
// Wire order (every segment is [4-byte big-endian length][bytes]):
//
//	server → client  peer public key, DER
//	client → server  local public key, PKIX DER
//	client → server  username, PKCS#1 v1.5 under the peer key
//	client → server  password, PKCS#1 v1.5 under the peer key
//	server → client  4-byte response code
package handshake

import (
	"crypto/rsa"
	"fmt"

	"exochat/internal/crypto"
	ncerr "exochat/internal/errors"
)

// Conn is the part of *transport.Conn the handshake needs.
type Conn interface {
	ReadSegment() ([]byte, error)
	WriteSegment(b []byte) error
	ReadInt32() (int32, error)
}

// Keys is the outcome of a successful key exchange.
type Keys struct {
	Local *rsa.PrivateKey
	Peer  *rsa.PublicKey
}

// ExchangeKeys generates a fresh key pair of the given size (0 means
// 2048 bits), receives the peer's public key and then sends ours.
// Every failure is a *errors.KeyExchangeError.
func ExchangeKeys(conn Conn, bits int) (*Keys, error) {
	local, err := crypto.GenerateKeyPair(bits)
	if err != nil {
		return nil, &ncerr.KeyExchangeError{Op: "generate", Err: err}
	}

	der, err := conn.ReadSegment()
	if err != nil {
		return nil, &ncerr.KeyExchangeError{Op: "read", Err: err}
	}
	peer, err := crypto.ParsePublicKey(der)
	if err != nil {
		return nil, &ncerr.KeyExchangeError{Op: "parse", Err: err}
	}

	ours, err := crypto.MarshalPublicKey(&local.PublicKey)
	if err != nil {
		return nil, &ncerr.KeyExchangeError{Op: "marshal", Err: err}
	}
	if err := conn.WriteSegment(ours); err != nil {
		return nil, &ncerr.KeyExchangeError{Op: "write", Err: err}
	}
	return &Keys{Local: local, Peer: peer}, nil
}

// Authenticate sends the credentials and interprets the response code.
// It returns nil only for [ncerr.AuthSuccess]; every other outcome,
// including a broken stream, is a *errors.AuthError.
func Authenticate(conn Conn, peer *rsa.PublicKey, username, password string) error {
	limit := crypto.MaxPlaintext(peer)
	if len(username) > limit || len(password) > limit {
		return &ncerr.AuthError{Err: fmt.Errorf("credentials longer than %d bytes", limit)}
	}

	for _, field := range []struct {
		name  string
		value string
	}{{"username", username}, {"password", password}} {
		ct, err := crypto.Encrypt(peer, []byte(field.value))
		if err != nil {
			return &ncerr.AuthError{Err: fmt.Errorf("%s: %w", field.name, err)}
		}
		if err := conn.WriteSegment(ct); err != nil {
			return &ncerr.AuthError{Err: fmt.Errorf("%s: %w", field.name, err)}
		}
	}

	code, err := conn.ReadInt32()
	if err != nil {
		return &ncerr.AuthError{Err: fmt.Errorf("response: %w", err)}
	}
	if c := ncerr.AuthCode(code); c != ncerr.AuthSuccess {
		return &ncerr.AuthError{Code: c}
	}
	return nil
}
