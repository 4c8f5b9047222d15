//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package query implements oblivious key lookups over the secret-shared
// store. A lookup computes a secret match bit for every record, masks
// each record's value with its match bit, sums the masked values, and
// reveals only the sum. Sentinel results are retried with fresh
// randomness up to a bounded number of times.
package query

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/markkurossi/mpc/p2p"
	"github.com/markkurossi/okvs/codec"
	"github.com/markkurossi/okvs/crypto/spdz"
	"github.com/markkurossi/okvs/store"
)

var (
	// ErrNotFound is returned when the key is not in the store.
	ErrNotFound = errors.New("not found")

	// ErrRetryExhausted is returned when all query attempts decoded
	// to the sentinel.
	ErrRetryExhausted = errors.New("retries exhausted")
)

// ExhaustedError is returned when all attempts of a query decoded to
// the sentinel. It matches both ErrNotFound and ErrRetryExhausted.
type ExhaustedError struct {
	ID       uuid.UUID
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("query %s: %v after %d attempts",
		e.ID, ErrNotFound, e.Attempts)
}

// Is implements errors.Is.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrNotFound || target == ErrRetryExhausted
}

// Substrate defines the secret-sharing operations the query engine
// uses.
type Substrate interface {
	Field() *spdz.Field
	Share(ctx context.Context, r io.Reader, vals []*big.Int) (
		*spdz.Value, error)
	Reveal(v *spdz.Value) ([]*big.Int, error)
	Const(c *big.Int, n int) (*spdz.Value, error)
	Select(v *spdz.Value, indices []int) (*spdz.Value, error)
	Concat(values ...*spdz.Value) (*spdz.Value, error)
	SumGroups(v *spdz.Value, k int) (*spdz.Value, error)
	Fold(v *spdz.Value, width int) (*spdz.Value, error)
	Mul(ctx context.Context, a, b *spdz.Value) (*spdz.Value, error)
	Equal(ctx context.Context, a, b *spdz.Value) (*spdz.Value, error)
	EqualCost() int
	Preprocess(ctx context.Context, n int) error
	Free(values ...*spdz.Value)
	Stats() p2p.IOStats
}

var _ Substrate = &spdz.Network{}

// Params define the query engine parameters.
type Params struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Rand is the entropy source of the per-query PRG secrets.
	Rand io.Reader

	Verbose bool
}

// Engine implements oblivious queries.
type Engine struct {
	sub    Substrate
	store  *store.Store
	codec  *codec.Codec
	params Params
}

// New creates a new query engine for the store.
func New(sub Substrate, st *store.Store, params *Params) *Engine {
	e := &Engine{
		sub:   sub,
		store: st,
		codec: st.Codec(),
	}
	if params != nil {
		e.params = *params
	}
	if e.params.Rand == nil {
		e.params.Rand = rand.Reader
	}
	if e.params.MaxRetries < 0 {
		e.params.MaxRetries = 0
	}
	return e
}

// Result contains the query result.
type Result struct {
	ID       uuid.UUID
	Value    string
	Codes    []*big.Int
	Attempts int
	Timing   *Timing
	Stats    p2p.IOStats
}

// Lookup queries the key from the store. The key must be a valid
// input for the store's codec.
func (e *Engine) Lookup(ctx context.Context, key string) (*Result, error) {
	q := &query{
		e:       e,
		id:      uuid.New(),
		key:     key,
		records: e.store.Records(),
		timing:  NewTiming(),
		before:  snapshot(e.sub.Stats()),
	}
	if _, err := io.ReadFull(e.params.Rand, q.secret[:]); err != nil {
		return nil, err
	}
	q.debugf("lookup: %d records, strategy %v",
		len(q.records), e.codec.Strategy())

	attempts := e.params.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		codes, err := q.attempt(ctx, attempt)
		if err != nil {
			q.setState(StateFailed)
			return nil, fmt.Errorf("query %s: %w", q.id, err)
		}
		q.setState(StateDecoding)
		value, allSentinel := e.codec.DecodeValue(codes)
		if !allSentinel {
			q.setState(StateDone)
			q.sample(attempt)
			return &Result{
				ID:       q.id,
				Value:    e.codec.TrimPad(value),
				Codes:    codes,
				Attempts: attempt,
				Timing:   q.timing,
				Stats:    statsDelta(q.before, e.sub.Stats()),
			}, nil
		}
		if attempt < attempts {
			q.setState(StateRetry)
		} else {
			q.setState(StateExhausted)
		}
		q.sample(attempt)
	}
	return nil, &ExhaustedError{
		ID:       q.id,
		Attempts: attempts,
	}
}

type stage struct {
	label string
	end   time.Time
}

type query struct {
	e       *Engine
	id      uuid.UUID
	key     string
	secret  [32]byte
	records []store.Record
	state   State
	timing  *Timing
	stages  []stage
	before  p2p.IOStats
	live    []*spdz.Value
	triples int
}

func (q *query) debugf(format string, a ...interface{}) {
	if q.e.params.Verbose {
		log.Printf("query %s: "+format, append([]interface{}{q.id}, a...)...)
	}
}

func (q *query) setState(state State) {
	if state == q.state {
		return
	}
	q.debugf("%v -> %v", q.state, state)
	if q.state.Timed() {
		q.stages = append(q.stages, stage{
			label: q.state.String(),
			end:   time.Now(),
		})
	}
	q.state = state
}

func (q *query) sample(attempt int) {
	s := q.timing.Sample(fmt.Sprintf("Attempt %d", attempt),
		[]string{strconv.Itoa(q.triples)})
	for _, st := range q.stages {
		s.SubSample(st.label, st.end)
	}
	q.stages = nil
}

// keep registers the value for release at the end of the attempt.
func (q *query) keep(v *spdz.Value, err error) (*spdz.Value, error) {
	if err == nil {
		q.live = append(q.live, v)
	}
	return v, err
}

// attempt runs one query attempt and returns the revealed value codes.
func (q *query) attempt(ctx context.Context, attempt int) (
	[]*big.Int, error) {

	defer func() {
		q.e.sub.Free(q.live...)
		q.live = nil
	}()

	c := q.e.codec
	sub := q.e.sub
	numRecords := len(q.records)
	width := c.Params().MaxValueLen

	// Encoding.
	q.setState(StateEncoding)
	enc, err := c.EncodeKey(q.key)
	if err != nil {
		return nil, err
	}

	// Sharing.
	q.setState(StateSharing)
	prg, err := spdz.DerivePRG(q.secret[:], q.id[:], strconv.Itoa(attempt))
	if err != nil {
		return nil, err
	}
	secretQuery, err := q.keep(sub.Share(ctx, prg, enc))
	if err != nil {
		return nil, err
	}
	q.triples = q.tripleCount()
	if err := sub.Preprocess(ctx, q.triples); err != nil {
		return nil, err
	}

	var aggregate *spdz.Value
	if numRecords == 0 {
		q.setState(StateAggregating)
		aggregate, err = q.keep(sub.Const(big.NewInt(0), width))
		if err != nil {
			return nil, err
		}
	} else {
		// Matching.
		q.setState(StateMatching)
		match, err := q.match(ctx, secretQuery)
		if err != nil {
			return nil, err
		}

		// Masking.
		q.setState(StateMasking)
		expand := make([]int, numRecords*width)
		for i := range expand {
			expand[i] = i / width
		}
		mask, err := q.keep(sub.Select(match, expand))
		if err != nil {
			return nil, err
		}
		var values []*spdz.Value
		for _, r := range q.records {
			values = append(values, r.Value)
		}
		concat, err := q.keep(sub.Concat(values...))
		if err != nil {
			return nil, err
		}
		masked, err := q.keep(sub.Mul(ctx, mask, concat))
		if err != nil {
			return nil, err
		}

		// Aggregating.
		q.setState(StateAggregating)
		aggregate, err = q.keep(sub.Fold(masked, width))
		if err != nil {
			return nil, err
		}
	}

	// Revealing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.setState(StateRevealing)
	return sub.Reveal(aggregate)
}

// match computes the secret match bit of every record.
func (q *query) match(ctx context.Context, secretQuery *spdz.Value) (
	*spdz.Value, error) {

	sub := q.e.sub
	numRecords := len(q.records)
	keyLen := secretQuery.Len()

	var keys []*spdz.Value
	for _, r := range q.records {
		keys = append(keys, r.Key)
	}
	concat, err := q.keep(sub.Concat(keys...))
	if err != nil {
		return nil, err
	}
	repeat := make([]int, numRecords*keyLen)
	for i := range repeat {
		repeat[i] = i % keyLen
	}
	queries, err := q.keep(sub.Select(secretQuery, repeat))
	if err != nil {
		return nil, err
	}

	switch q.e.codec.Strategy() {
	case codec.HashedScalar:
		return q.keep(sub.Equal(ctx, concat, queries))

	case codec.OneHot:
		rows := q.e.codec.Params().MaxKeyLen
		cols := keyLen / rows

		prod, err := q.keep(sub.Mul(ctx, concat, queries))
		if err != nil {
			return nil, err
		}
		// Row dot products: 1 if the position matches, 0 otherwise.
		dots, err := q.keep(sub.SumGroups(prod, cols))
		if err != nil {
			return nil, err
		}
		column := func(row int) (*spdz.Value, error) {
			indices := make([]int, numRecords)
			for i := range indices {
				indices[i] = i*rows + row
			}
			return q.keep(sub.Select(dots, indices))
		}
		acc, err := column(0)
		if err != nil {
			return nil, err
		}
		for row := 1; row < rows; row++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			next, err := column(row)
			if err != nil {
				return nil, err
			}
			acc, err = q.keep(sub.Mul(ctx, acc, next))
			if err != nil {
				return nil, err
			}
		}
		return acc, nil

	default:
		return nil, fmt.Errorf("unsupported strategy: %v",
			q.e.codec.Strategy())
	}
}

// tripleCount returns the number of Beaver triples one attempt
// consumes.
func (q *query) tripleCount() int {
	numRecords := len(q.records)
	if numRecords == 0 {
		return 0
	}
	width := q.e.codec.Params().MaxValueLen
	masking := numRecords * width

	switch q.e.codec.Strategy() {
	case codec.HashedScalar:
		return numRecords*q.e.sub.EqualCost() + masking

	default:
		rows := q.e.codec.Params().MaxKeyLen
		keyLen := q.e.codec.KeyLen()
		return numRecords*keyLen + numRecords*(rows-1) + masking
	}
}
