//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package okvs

import (
	"context"
	"errors"
	"testing"

	"github.com/markkurossi/okvs/config"
)

func newStore(t *testing.T, cfg *config.Config) *Store {
	t.Helper()
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestPhoneBook(t *testing.T) {
	cfg := config.Default()
	cfg.MaxKeyLen = 5
	cfg.MaxValueLen = 14
	cfg.BaseOT = config.BaseOTNone

	s := newStore(t, cfg)
	ctx := context.Background()

	if err := s.AddEntry(ctx, "Bob", "(123) 456-7890"); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := s.AddEntry(ctx, "Alice", "555-0100"); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len: got %d, expected 2", s.Len())
	}
	if len(s.Parties()) != 3 {
		t.Errorf("Parties: %v", s.Parties())
	}

	value, err := s.Query(ctx, "Bob")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if value != "(123) 456-7890" {
		t.Errorf("Query(Bob)=%q", value)
	}

	_, err = s.Query(ctx, "Zoe")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Query(Zoe): got %v, expected ErrNotFound", err)
	}

	err = s.AddEntry(ctx, "Robert", "1")
	if !errors.Is(err, ErrEncodingOverflow) {
		t.Errorf("AddEntry: got %v, expected ErrEncodingOverflow", err)
	}
	err = s.AddEntry(ctx, "Bob", "\u00e4")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("AddEntry: got %v, expected ErrInvalidInput", err)
	}
	if s.Stats().Sum() == 0 {
		t.Errorf("no traffic")
	}
}

func TestHashedScalarBaseOT(t *testing.T) {
	cfg := config.Default()
	cfg.Parties = cfg.Parties[:2]
	cfg.Strategy = config.StrategyHashedScalar
	cfg.MaxValueLen = 4
	cfg.MaxRetries = 0

	s := newStore(t, cfg)
	ctx := context.Background()

	if err := s.AddEntry(ctx, "key", "val"); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	result, err := s.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if result.Value != "val" || result.Attempts != 1 {
		t.Errorf("Lookup: got %q in %d attempts",
			result.Value, result.Attempts)
	}
}

func TestTruncate(t *testing.T) {
	cfg := config.Default()
	cfg.Parties = cfg.Parties[:2]
	cfg.MaxKeyLen = 3
	cfg.MaxValueLen = 3
	cfg.Truncate = true
	cfg.BaseOT = config.BaseOTNone

	s := newStore(t, cfg)
	ctx := context.Background()

	if err := s.AddEntry(ctx, "abcdef", "123456"); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	value, err := s.Query(ctx, "abcxyz")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if value != "123" {
		t.Errorf("Query: got %q, expected 123", value)
	}
}

func TestClosed(t *testing.T) {
	cfg := config.Default()
	cfg.BaseOT = config.BaseOTNone
	s := newStore(t, cfg)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := s.AddEntry(context.Background(), "k", "v")
	if !errors.Is(err, ErrPartyUnavailable) {
		t.Errorf("AddEntry: got %v, expected ErrPartyUnavailable", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Parties = cfg.Parties[:1]
	if _, err := New(context.Background(), cfg); err == nil {
		t.Errorf("New accepted a single party")
	}
}
