//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package store implements the append-only store of secret-shared
// key-value records.
package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/markkurossi/okvs/codec"
	"github.com/markkurossi/okvs/crypto/spdz"
)

// Record holds the secret-shared key and value encodings of an
// entry. Records are immutable.
type Record struct {
	Key   *spdz.Value
	Value *spdz.Value
}

// Params define the store parameters.
type Params struct {
	// Rand is the entropy source for the record sharing PRG seeds.
	Rand    io.Reader
	Verbose bool
}

// Store implements an append-only sequence of records. All records
// have the same key and value encoding shapes.
type Store struct {
	m       sync.RWMutex
	nw      *spdz.Network
	codec   *codec.Codec
	params  Params
	records []Record
}

// New creates a new empty store.
func New(nw *spdz.Network, c *codec.Codec, params *Params) *Store {
	s := &Store{
		nw:    nw,
		codec: c,
	}
	if params != nil {
		s.params = *params
	}
	if s.params.Rand == nil {
		s.params.Rand = rand.Reader
	}
	return s
}

// Codec returns the store's codec.
func (s *Store) Codec() *codec.Codec {
	return s.codec
}

// Append encodes the key and value, shares them across the parties,
// and appends the record to the store. On error the store is not
// modified.
func (s *Store) Append(ctx context.Context, key, value string) error {
	k, err := s.codec.EncodeKey(key)
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	v, err := s.codec.EncodeValue(value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}

	var seed [32]byte
	if _, err := io.ReadFull(s.params.Rand, seed[:]); err != nil {
		return err
	}
	prg, err := spdz.NewPRG(seed[:])
	if err != nil {
		return err
	}

	sk, err := s.nw.Share(ctx, prg, k)
	if err != nil {
		return err
	}
	sv, err := s.nw.Share(ctx, prg, v)
	if err != nil {
		s.nw.Free(sk)
		return err
	}

	s.m.Lock()
	s.records = append(s.records, Record{
		Key:   sk,
		Value: sv,
	})
	n := len(s.records)
	s.m.Unlock()

	if s.params.Verbose {
		log.Printf("store: record %d: key=%v, value=%v", n-1, sk, sv)
	}
	return nil
}

// Records returns a snapshot of the store's records.
func (s *Store) Records() []Record {
	s.m.RLock()
	defer s.m.RUnlock()

	result := make([]Record, len(s.records))
	copy(result, s.records)
	return result
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.m.RLock()
	defer s.m.RUnlock()
	return len(s.records)
}
