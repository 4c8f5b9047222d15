//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package okvs implements an oblivious key-value store. Keys and
// values are secret-shared across a fixed set of parties and lookups
// reveal neither the queried key nor the matching record.
package okvs

import (
	"context"
	"fmt"
	"log"

	"github.com/markkurossi/mpc/ot"
	"github.com/markkurossi/mpc/p2p"
	"github.com/markkurossi/okvs/codec"
	"github.com/markkurossi/okvs/config"
	"github.com/markkurossi/okvs/crypto/spdz"
	"github.com/markkurossi/okvs/party"
	"github.com/markkurossi/okvs/query"
	"github.com/markkurossi/okvs/store"
)

// Errors.
var (
	ErrNotFound         = query.ErrNotFound
	ErrRetryExhausted   = query.ErrRetryExhausted
	ErrInvalidInput     = codec.ErrInvalidInput
	ErrEncodingOverflow = codec.ErrEncodingOverflow
	ErrPartyUnavailable = spdz.ErrPartyUnavailable
)

// Store implements the oblivious key-value store.
type Store struct {
	config  *config.Config
	parties *party.Set
	nw      *spdz.Network
	store   *store.Store
	engine  *query.Engine
}

// New creates a new store for the configuration. It connects the
// parties and sets up the secret-sharing network.
func New(ctx context.Context, cfg *config.Config) (*Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := codec.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	p, err := cfg.Modulus()
	if err != nil {
		return nil, err
	}
	c, err := codec.New(codec.Params{
		Strategy:    strategy,
		MaxKeyLen:   cfg.MaxKeyLen,
		MaxValueLen: cfg.MaxValueLen,
		Alphabet:    cfg.Alphabet,
		Modulus:     p,
		Truncate:    cfg.Truncate,
		Pad:         cfg.PadRune(),
		Sentinel:    cfg.SentinelRune(),
	})
	if err != nil {
		return nil, err
	}
	field, err := spdz.NewField(p)
	if err != nil {
		return nil, err
	}

	parties, err := party.NewSet(cfg.Parties)
	if err != nil {
		return nil, err
	}
	conns, err := parties.Connect(ctx, cfg.Verbose)
	if err != nil {
		return nil, err
	}

	params := &spdz.Params{
		Rand:    cfg.GetRandom(),
		Verbose: cfg.Verbose,
	}
	if cfg.BaseOT == config.BaseOTCO {
		params.OT = func() ot.OT {
			return ot.NewCO()
		}
	}
	nw, err := spdz.NewNetwork(field, conns, params)
	if err != nil {
		party.Close(conns)
		return nil, err
	}

	st := store.New(nw, c, &store.Params{
		Rand:    cfg.GetRandom(),
		Verbose: cfg.Verbose,
	})
	s := &Store{
		config:  cfg,
		parties: parties,
		nw:      nw,
		store:   st,
		engine: query.New(nw, st, &query.Params{
			MaxRetries: cfg.MaxRetries,
			Rand:       cfg.GetRandom(),
			Verbose:    cfg.Verbose,
		}),
	}
	if cfg.Verbose {
		log.Printf("okvs: parties=%v, strategy=%v, modulus=%d bits",
			parties.Names(), strategy, p.BitLen())
	}
	return s, nil
}

// AddEntry adds the key-value entry to the store.
func (s *Store) AddEntry(ctx context.Context, key, value string) error {
	if err := s.store.Append(ctx, key, value); err != nil {
		return fmt.Errorf("okvs: add entry: %w", err)
	}
	return nil
}

// Query returns the value of the key. It returns an error matching
// ErrNotFound if the key is not in the store.
func (s *Store) Query(ctx context.Context, key string) (string, error) {
	result, err := s.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	return result.Value, nil
}

// Lookup queries the key and returns the full query result.
func (s *Store) Lookup(ctx context.Context, key string) (*query.Result, error) {
	return s.engine.Lookup(ctx, key)
}

// Len returns the number of entries in the store.
func (s *Store) Len() int {
	return s.store.Len()
}

// Parties returns the party names in the protocol order.
func (s *Store) Parties() []string {
	return s.parties.Names()
}

// Stats returns the I/O statistics of all party connections.
func (s *Store) Stats() p2p.IOStats {
	return s.nw.Stats()
}

// Close closes the store and all party connections.
func (s *Store) Close() error {
	return s.nw.Close()
}
