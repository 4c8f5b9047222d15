//
// Copyright (c) 2025-2026 Markku Rossi
//
// All rights reserved.
//

package spdz

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// MaxFieldBits is the largest supported modulus size. It is bounded
// by the 32-byte element encoding of the VOLE cross multiplication.
const MaxFieldBits = 256

// Field implements arithmetic modulo P.
type Field struct {
	P     *big.Int
	Prime bool
	size  int
}

// NewField creates a new field for the modulus p.
func NewField(p *big.Int) (*Field, error) {
	if p == nil || p.Cmp(big.NewInt(2)) < 0 {
		return nil, errors.New("modulus must be at least 2")
	}
	if p.BitLen() > MaxFieldBits {
		return nil, fmt.Errorf("modulus too large: %d bits > %d",
			p.BitLen(), MaxFieldBits)
	}
	return &Field{
		P:     new(big.Int).Set(p),
		Prime: p.ProbablyPrime(32),
		size:  (p.BitLen() + 7) / 8,
	}, nil
}

// Size returns the byte size of the encoded field elements.
func (f *Field) Size() int {
	return f.size
}

// Reduce returns x mod P as a new value in range [0...P[.
func (f *Field) Reduce(x *big.Int) *big.Int {
	z := new(big.Int).Mod(x, f.P)
	if z.Sign() < 0 {
		z.Add(z, f.P)
	}
	return z
}

// Random returns a uniformly random field element read from r.
func (f *Field) Random(r io.Reader) (*big.Int, error) {
	if r == nil {
		r = rand.Reader
	}
	return rand.Int(r, f.P)
}

// Add returns a+b mod P.
func (f *Field) Add(a, b *big.Int) *big.Int {
	z := new(big.Int).Add(a, b)
	return z.Mod(z, f.P)
}

// Sub returns a-b mod P.
func (f *Field) Sub(a, b *big.Int) *big.Int {
	z := new(big.Int).Sub(a, b)
	return f.Reduce(z)
}

// Mul returns a*b mod P.
func (f *Field) Mul(a, b *big.Int) *big.Int {
	z := new(big.Int).Mul(a, b)
	return z.Mod(z, f.P)
}

// Encode encodes the values into fixed size big-endian elements.
func (f *Field) Encode(vals []*big.Int) []byte {
	buf := make([]byte, len(vals)*f.size)
	for i, v := range vals {
		if v == nil {
			continue
		}
		f.Reduce(v).FillBytes(buf[i*f.size : (i+1)*f.size])
	}
	return buf
}

// Decode decodes fixed size big-endian elements.
func (f *Field) Decode(buf []byte) ([]*big.Int, error) {
	if len(buf)%f.size != 0 {
		return nil, fmt.Errorf("invalid element data length %d", len(buf))
	}
	result := make([]*big.Int, len(buf)/f.size)
	for i := range result {
		v := new(big.Int).SetBytes(buf[i*f.size : (i+1)*f.size])
		if v.Cmp(f.P) >= 0 {
			return nil, fmt.Errorf("element %d out of range", i)
		}
		result[i] = v
	}
	return result, nil
}

// MulCount returns the number of multiplications Exp uses for the
// exponent e.
func MulCount(e *big.Int) int {
	if e.Sign() <= 0 || e.BitLen() <= 1 {
		return 0
	}
	var count int
	for i := e.BitLen() - 2; i >= 0; i-- {
		count++
		if e.Bit(i) == 1 {
			count++
		}
	}
	return count
}
