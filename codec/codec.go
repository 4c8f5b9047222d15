//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package codec implements the fixed-width numeric encodings of keys
// and values. Keys are encoded either as a hashed field element or as
// a one-hot character matrix. Values are encoded as per-character
// codes of a fixed alphabet.
package codec

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrInvalidInput is returned when the input contains characters
	// outside the alphabet.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEncodingOverflow is returned when the input is longer than
	// the maximum length and truncation is disabled.
	ErrEncodingOverflow = errors.New("encoding overflow")
)

// Strategy defines the key encoding strategy.
type Strategy int

// Key encoding strategies.
const (
	HashedScalar Strategy = iota
	OneHot
)

var strategyNames = map[Strategy]string{
	HashedScalar: "hashed_scalar",
	OneHot:       "one_hot",
}

func (s Strategy) String() string {
	name, ok := strategyNames[s]
	if ok {
		return name
	}
	return fmt.Sprintf("{Strategy %d}", s)
}

// ParseStrategy parses the strategy name.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy: %q", name)
}

// KeyEncoder encodes keys into field element vectors of fixed length.
type KeyEncoder interface {
	// Strategy returns the encoder's strategy.
	Strategy() Strategy

	// KeyLen returns the number of field elements in a key encoding.
	KeyLen() int

	// EncodeKey encodes the key.
	EncodeKey(key string) ([]*big.Int, error)
}

// Params define the codec parameters.
type Params struct {
	Strategy    Strategy
	MaxKeyLen   int
	MaxValueLen int
	Alphabet    string
	Modulus     *big.Int
	Truncate    bool
	Pad         rune
	Sentinel    rune
}

// Codec implements key and value encoding.
type Codec struct {
	KeyEncoder
	params   Params
	alphabet []rune
	index    map[rune]int
}

// New creates a new codec.
func New(params Params) (*Codec, error) {
	if params.MaxKeyLen <= 0 || params.MaxValueLen <= 0 {
		return nil, fmt.Errorf("invalid lengths: key=%d, value=%d",
			params.MaxKeyLen, params.MaxValueLen)
	}
	if params.Modulus == nil || params.Modulus.Sign() <= 0 {
		return nil, errors.New("invalid modulus")
	}
	c := &Codec{
		params: params,
		index:  make(map[rune]int),
	}
	for _, r := range norm.NFC.String(params.Alphabet) {
		if _, ok := c.index[r]; ok {
			return nil, fmt.Errorf("duplicate alphabet character %q", r)
		}
		c.index[r] = len(c.alphabet)
		c.alphabet = append(c.alphabet, r)
	}
	if len(c.alphabet) == 0 {
		return nil, errors.New("empty alphabet")
	}
	if _, ok := c.index[params.Pad]; ok {
		return nil, fmt.Errorf("pad %q in alphabet", params.Pad)
	}
	if _, ok := c.index[params.Sentinel]; ok {
		return nil, fmt.Errorf("sentinel %q in alphabet", params.Sentinel)
	}
	if params.Modulus.Cmp(big.NewInt(int64(c.PadCode()))) <= 0 {
		return nil, fmt.Errorf("modulus %v too small for %d codes",
			params.Modulus, c.PadCode())
	}

	switch params.Strategy {
	case HashedScalar:
		c.KeyEncoder = &hashedScalar{
			c: c,
		}
	case OneHot:
		c.KeyEncoder = &oneHot{
			c: c,
		}
	default:
		return nil, fmt.Errorf("unsupported strategy: %v", params.Strategy)
	}
	return c, nil
}

// Params returns the codec parameters.
func (c *Codec) Params() Params {
	return c.params
}

// AlphabetSize returns the number of alphabet characters, not
// counting the pad symbol.
func (c *Codec) AlphabetSize() int {
	return len(c.alphabet)
}

// PadCode returns the value code of the pad symbol.
func (c *Codec) PadCode() int {
	return len(c.alphabet) + 1
}

// PadOrTruncate normalizes the input and pads it to n characters with
// the pad symbol. Inputs longer than n characters are truncated if
// truncation is enabled and rejected otherwise. Characters outside the
// alphabet are rejected.
func (c *Codec) PadOrTruncate(s string, n int) (string, error) {
	runes, err := c.fit(s, n, true)
	if err != nil {
		return "", err
	}
	return string(runes) + strings.Repeat(string(c.params.Pad), n-len(runes)),
		nil
}

// fit normalizes the input and applies the length contract of n
// characters.
func (c *Codec) fit(s string, n int, alphabet bool) ([]rune, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrInvalidInput)
	}
	runes := []rune(norm.NFC.String(s))
	if alphabet {
		for _, r := range runes {
			if _, ok := c.index[r]; !ok {
				return nil, fmt.Errorf("%w: character %q not in alphabet",
					ErrInvalidInput, r)
			}
		}
	}
	if len(runes) > n {
		if !c.params.Truncate {
			return nil, fmt.Errorf("%w: %d characters, maximum is %d",
				ErrEncodingOverflow, len(runes), n)
		}
		runes = runes[:n]
	}
	return runes, nil
}

// EncodeValue encodes the value into MaxValueLen codes.
func (c *Codec) EncodeValue(value string) ([]*big.Int, error) {
	padded, err := c.PadOrTruncate(value, c.params.MaxValueLen)
	if err != nil {
		return nil, err
	}
	var result []*big.Int
	for _, r := range padded {
		result = append(result, big.NewInt(int64(c.code(r))))
	}
	return result, nil
}

func (c *Codec) code(r rune) int {
	if r == c.params.Pad {
		return c.PadCode()
	}
	return c.index[r] + 1
}

// DecodeValue decodes the value codes. The pad code decodes to the pad
// symbol and all codes outside the code table decode to the sentinel.
// The boolean result tells if all codes decoded to the sentinel.
func (c *Codec) DecodeValue(codes []*big.Int) (string, bool) {
	var sb strings.Builder
	allSentinel := true
	padCode := big.NewInt(int64(c.PadCode()))

	for _, code := range codes {
		switch {
		case code.Sign() <= 0 || code.Cmp(padCode) > 0:
			sb.WriteRune(c.params.Sentinel)
			continue
		case code.Cmp(padCode) == 0:
			sb.WriteRune(c.params.Pad)
		default:
			sb.WriteRune(c.alphabet[code.Int64()-1])
		}
		allSentinel = false
	}
	return sb.String(), allSentinel
}

// TrimPad removes the trailing pad symbols.
func (c *Codec) TrimPad(s string) string {
	return strings.TrimRight(s, string(c.params.Pad))
}

type hashedScalar struct {
	c *Codec
}

func (h *hashedScalar) Strategy() Strategy {
	return HashedScalar
}

func (h *hashedScalar) KeyLen() int {
	return 1
}

// EncodeKey hashes the normalized key with BLAKE2b-256 and reduces
// the digest modulo the field modulus. The key is not limited to the
// alphabet.
func (h *hashedScalar) EncodeKey(key string) ([]*big.Int, error) {
	runes, err := h.c.fit(key, h.c.params.MaxKeyLen, false)
	if err != nil {
		return nil, err
	}
	digest := blake2b.Sum256([]byte(string(runes)))
	v := new(big.Int).SetBytes(digest[:])
	return []*big.Int{v.Mod(v, h.c.params.Modulus)}, nil
}

type oneHot struct {
	c *Codec
}

func (o *oneHot) Strategy() Strategy {
	return OneHot
}

func (o *oneHot) KeyLen() int {
	return o.c.params.MaxKeyLen * o.Columns()
}

// Columns returns the number of matrix columns: the alphabet plus the
// pad column.
func (o *oneHot) Columns() int {
	return len(o.c.alphabet) + 1
}

// EncodeKey encodes the key as a row-major MaxKeyLen x Columns matrix
// with exactly one 1 on each row.
func (o *oneHot) EncodeKey(key string) ([]*big.Int, error) {
	padded, err := o.c.PadOrTruncate(key, o.c.params.MaxKeyLen)
	if err != nil {
		return nil, err
	}
	cols := o.Columns()
	result := make([]*big.Int, 0, o.KeyLen())
	for _, r := range padded {
		hot := o.c.code(r) - 1
		for col := 0; col < cols; col++ {
			if col == hot {
				result = append(result, big.NewInt(1))
			} else {
				result = append(result, big.NewInt(0))
			}
		}
	}
	return result, nil
}
