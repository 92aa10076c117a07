package session

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const (
	keySize   = 32
	nonceSize = 24
)

var ErrDecryptFailed = errors.New("sealed token could not be opened")

// seal encrypts plaintext to recipient with an ephemeral sender key.
// Output format: ephemeralPub(32) || nonce(24) || ciphertext.
func seal(plaintext []byte, recipient *[32]byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, keySize+nonceSize, keySize+nonceSize+len(plaintext)+box.Overhead)
	copy(out[:keySize], ephPub[:])
	copy(out[keySize:], nonce[:])
	return box.Seal(out, plaintext, &nonce, recipient, ephPriv), nil
}

// open reverses seal with the recipient's private key.
func open(sealed []byte, priv *[32]byte) ([]byte, error) {
	if len(sealed) < keySize+nonceSize+box.Overhead {
		return nil, ErrDecryptFailed
	}

	var ephPub [keySize]byte
	copy(ephPub[:], sealed[:keySize])
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[keySize:keySize+nonceSize])

	plaintext, ok := box.Open(nil, sealed[keySize+nonceSize:], &nonce, &ephPub, priv)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
