//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package spdz

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// PRG implements a ChaCha20 keystream as an io.Reader. It is not safe
// for concurrent use.
type PRG struct {
	c *chacha20.Cipher
}

// NewPRG creates a new PRG for the 32-byte key.
func NewPRG(key []byte) (*PRG, error) {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce[:])
	if err != nil {
		return nil, err
	}
	return &PRG{
		c: c,
	}, nil
}

// DerivePRG derives a PRG key from the secret with HKDF-SHA256 using
// the salt and info.
func DerivePRG(secret, salt []byte, info string) (*PRG, error) {
	key := make([]byte, chacha20.KeySize)
	_, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)),
		key)
	if err != nil {
		return nil, err
	}
	return NewPRG(key)
}

// Read implements io.Reader.Read.
func (prg *PRG) Read(b []byte) (int, error) {
	clear(b)
	prg.c.XORKeyStream(b, b)
	return len(b), nil
}
