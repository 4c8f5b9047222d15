//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package config implements the store configuration. Config must not
// be modified after being passed to the store. It is safe for
// concurrent use as the modules do not modify it.
package config

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Key encoding strategy names.
const (
	StrategyHashedScalar = "hashed_scalar"
	StrategyOneHot       = "one_hot"
)

// Base OT names.
const (
	BaseOTCO   = "co"
	BaseOTNone = "none"
)

// DefaultModulus is the Mersenne prime 2^61-1.
const DefaultModulus = "2305843009213693951"

// Party defines a party of the store.
type Party struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr,omitempty"`
}

// Config defines the store configuration.
type Config struct {
	Parties      []Party `yaml:"parties"`
	MaxKeyLen    int     `yaml:"max_key_len"`
	MaxValueLen  int     `yaml:"max_value_len"`
	Alphabet     string  `yaml:"alphabet"`
	Strategy     string  `yaml:"strategy"`
	FieldModulus string  `yaml:"field_modulus"`
	MaxRetries   int     `yaml:"max_retries"`
	Truncate     bool    `yaml:"truncate"`
	Pad          string  `yaml:"pad"`
	Sentinel     string  `yaml:"sentinel"`
	BaseOT       string  `yaml:"base_ot"`
	Verbose      bool    `yaml:"verbose"`

	// Rand is the source of entropy. If nil, crypto/rand is used.
	Rand io.Reader `yaml:"-"`
}

// PrintableASCII returns the printable ASCII characters from space to
// tilde.
func PrintableASCII() string {
	var buf []byte
	for ch := byte(' '); ch <= '~'; ch++ {
		buf = append(buf, ch)
	}
	return string(buf)
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Parties: []Party{
			{Name: "alice"},
			{Name: "bob"},
			{Name: "charlie"},
		},
		MaxKeyLen:    16,
		MaxValueLen:  32,
		Alphabet:     PrintableASCII(),
		Strategy:     StrategyOneHot,
		FieldModulus: DefaultModulus,
		MaxRetries:   5,
		Pad:          "\x00",
		Sentinel:     "\uFFFD",
		BaseOT:       BaseOTCO,
	}
}

// Load loads the configuration from the YAML file. Options missing
// from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses the YAML configuration data.
func Parse(data []byte) (*Config, error) {
	config := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// GetRandom returns the source of entropy for sharing and triple
// generation.
func (config *Config) GetRandom() io.Reader {
	if config.Rand != nil {
		return config.Rand
	}
	return rand.Reader
}

// Modulus returns the field modulus.
func (config *Config) Modulus() (*big.Int, error) {
	p, ok := new(big.Int).SetString(config.FieldModulus, 10)
	if !ok {
		return nil, fmt.Errorf("config: invalid field_modulus: %q",
			config.FieldModulus)
	}
	return p, nil
}

// PadRune returns the pad symbol.
func (config *Config) PadRune() rune {
	r, _ := utf8.DecodeRuneInString(config.Pad)
	return r
}

// SentinelRune returns the sentinel symbol.
func (config *Config) SentinelRune() rune {
	r, _ := utf8.DecodeRuneInString(config.Sentinel)
	return r
}

// Validate checks that the configuration is valid.
func (config *Config) Validate() error {
	if len(config.Parties) < 2 {
		return fmt.Errorf("config: at least 2 parties required, got %d",
			len(config.Parties))
	}
	if config.MaxKeyLen <= 0 {
		return fmt.Errorf("config: invalid max_key_len: %d", config.MaxKeyLen)
	}
	if config.MaxValueLen <= 0 {
		return fmt.Errorf("config: invalid max_value_len: %d",
			config.MaxValueLen)
	}
	if config.MaxRetries < 0 {
		return fmt.Errorf("config: invalid max_retries: %d", config.MaxRetries)
	}
	switch config.Strategy {
	case StrategyHashedScalar, StrategyOneHot:
	default:
		return fmt.Errorf("config: unknown strategy: %q", config.Strategy)
	}
	switch config.BaseOT {
	case BaseOTCO, BaseOTNone:
	default:
		return fmt.Errorf("config: unknown base_ot: %q", config.BaseOT)
	}

	if utf8.RuneCountInString(config.Pad) != 1 {
		return fmt.Errorf("config: pad must be a single character: %q",
			config.Pad)
	}
	if utf8.RuneCountInString(config.Sentinel) != 1 {
		return fmt.Errorf("config: sentinel must be a single character: %q",
			config.Sentinel)
	}
	if config.Pad == config.Sentinel {
		return errors.New("config: pad and sentinel must differ")
	}

	if len(config.Alphabet) == 0 {
		return errors.New("config: empty alphabet")
	}
	if !utf8.ValidString(config.Alphabet) {
		return errors.New("config: alphabet is not valid UTF-8")
	}
	// The codec builds its code table from the NFC form.
	seen := make(map[rune]bool)
	for _, r := range norm.NFC.String(config.Alphabet) {
		if seen[r] {
			return fmt.Errorf("config: duplicate alphabet character %q", r)
		}
		seen[r] = true
	}
	if seen[config.PadRune()] {
		return fmt.Errorf("config: pad %q in alphabet", config.PadRune())
	}
	if seen[config.SentinelRune()] {
		return fmt.Errorf("config: sentinel %q in alphabet",
			config.SentinelRune())
	}

	p, err := config.Modulus()
	if err != nil {
		return err
	}
	if p.BitLen() > 256 {
		return fmt.Errorf("config: field_modulus too large: %d bits",
			p.BitLen())
	}
	// The largest value code is the pad code len(alphabet)+1.
	maxCode := big.NewInt(int64(len(seen) + 1))
	if p.Cmp(maxCode) <= 0 {
		return fmt.Errorf("config: field_modulus %v too small for %d codes",
			p, len(seen)+1)
	}
	if config.Strategy == StrategyHashedScalar && !p.ProbablyPrime(32) {
		return fmt.Errorf("config: %s requires a prime field_modulus",
			StrategyHashedScalar)
	}
	return nil
}
