//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package query

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/big"
	"strings"
	"testing"

	"github.com/markkurossi/mpc/p2p"
	"github.com/markkurossi/okvs/codec"
	"github.com/markkurossi/okvs/crypto/spdz"
	"github.com/markkurossi/okvs/store"
)

var testModulus = new(big.Int).SetUint64(2305843009213693951)

const testAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789 ()-"

func newNetwork(t *testing.T, n int) *spdz.Network {
	t.Helper()

	conns := make([][]*p2p.Conn, n)
	for i := range conns {
		conns[i] = make([]*p2p.Conn, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			conns[i][j], conns[j][i] = p2p.Pipe()
		}
	}
	field, err := spdz.NewField(testModulus)
	if err != nil {
		t.Fatal(err)
	}
	nw, err := spdz.NewNetwork(field, conns, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nw.Close()
	})
	return nw
}

func newStore(t *testing.T, nw *spdz.Network, strategy codec.Strategy,
	entries map[string]string) *store.Store {

	t.Helper()
	c, err := codec.New(codec.Params{
		Strategy:    strategy,
		MaxKeyLen:   4,
		MaxValueLen: 14,
		Alphabet:    testAlphabet,
		Modulus:     testModulus,
		Sentinel:    '\uFFFD',
	})
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(nw, c, nil)
	for k, v := range entries {
		if err := st.Append(context.Background(), k, v); err != nil {
			t.Fatalf("Append(%q, %q): %v", k, v, err)
		}
	}
	return st
}

var phoneBook = map[string]string{
	"Bob":  "(123) 456-7890",
	"Ann":  "555-0100",
	"Carl": "42",
}

func TestLookup(t *testing.T) {
	for _, strategy := range []codec.Strategy{codec.OneHot, codec.HashedScalar} {
		nw := newNetwork(t, 3)
		st := newStore(t, nw, strategy, phoneBook)
		e := New(nw, st, &Params{
			MaxRetries: 1,
		})
		for k, v := range phoneBook {
			result, err := e.Lookup(context.Background(), k)
			if err != nil {
				t.Fatalf("%v: Lookup(%q): %v", strategy, k, err)
			}
			if result.Value != v {
				t.Errorf("%v: Lookup(%q)=%q, expected %q",
					strategy, k, result.Value, v)
			}
			if result.Attempts != 1 {
				t.Errorf("%v: Lookup(%q): %d attempts",
					strategy, k, result.Attempts)
			}
			if result.Stats.Sum() == 0 {
				t.Errorf("%v: Lookup(%q): no traffic", strategy, k)
			}
		}

		_, err := e.Lookup(context.Background(), "Zoe")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%v: Lookup(Zoe): got %v, expected ErrNotFound",
				strategy, err)
		}
		if !errors.Is(err, ErrRetryExhausted) {
			t.Errorf("%v: Lookup(Zoe): got %v, expected ErrRetryExhausted",
				strategy, err)
		}
		var exhausted *ExhaustedError
		if !errors.As(err, &exhausted) || exhausted.Attempts != 2 {
			t.Errorf("%v: Lookup(Zoe): got %v, expected 2 attempts",
				strategy, err)
		}
	}
}

func TestLookupTwoParties(t *testing.T) {
	nw := newNetwork(t, 2)
	st := newStore(t, nw, codec.OneHot, map[string]string{
		"Bob": "(123) 456-7890",
	})
	e := New(nw, st, nil)
	result, err := e.Lookup(context.Background(), "Bob")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if result.Value != "(123) 456-7890" {
		t.Errorf("Lookup: got %q", result.Value)
	}
}

func TestLookupEmpty(t *testing.T) {
	nw := newNetwork(t, 2)
	st := newStore(t, nw, codec.OneHot, nil)
	e := New(nw, st, &Params{
		MaxRetries: 0,
	})
	_, err := e.Lookup(context.Background(), "Bob")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup: got %v, expected ErrNotFound", err)
	}
}

func TestLookupInvalid(t *testing.T) {
	nw := newNetwork(t, 2)
	st := newStore(t, nw, codec.OneHot, phoneBook)
	e := New(nw, st, nil)

	_, err := e.Lookup(context.Background(), "Bobby")
	if !errors.Is(err, codec.ErrEncodingOverflow) {
		t.Errorf("Lookup: got %v, expected ErrEncodingOverflow", err)
	}
	_, err = e.Lookup(context.Background(), "B*b")
	if !errors.Is(err, codec.ErrInvalidInput) {
		t.Errorf("Lookup: got %v, expected ErrInvalidInput", err)
	}
}

func TestDuplicateKeys(t *testing.T) {
	for _, strategy := range []codec.Strategy{codec.OneHot, codec.HashedScalar} {
		nw := newNetwork(t, 3)
		st := newStore(t, nw, strategy, nil)
		ctx := context.Background()
		if err := st.Append(ctx, "k", "a"); err != nil {
			t.Fatal(err)
		}
		if err := st.Append(ctx, "k", "b"); err != nil {
			t.Fatal(err)
		}
		if err := st.Append(ctx, "j", "c"); err != nil {
			t.Fatal(err)
		}
		e := New(nw, st, nil)
		result, err := e.Lookup(ctx, "k")
		if err != nil {
			t.Fatalf("%v: Lookup: %v", strategy, err)
		}
		c := st.Codec()
		pad := int64(c.PadCode())
		expected := []int64{1 + 2}
		for len(expected) < 14 {
			expected = append(expected, 2*pad)
		}
		if len(result.Codes) != len(expected) {
			t.Fatalf("%v: got %d codes", strategy, len(result.Codes))
		}
		for i, code := range result.Codes {
			if code.Int64() != expected[i] {
				t.Errorf("%v: code %d: got %v, expected %v",
					strategy, i, code, expected[i])
			}
		}
	}
}

// noisy returns all-zero reveals for the first count reveals.
type noisy struct {
	*spdz.Network
	count int
}

func (n *noisy) Reveal(v *spdz.Value) ([]*big.Int, error) {
	result, err := n.Network.Reveal(v)
	if err != nil || n.count <= 0 {
		return result, err
	}
	n.count--
	for i := range result {
		result[i] = new(big.Int)
	}
	return result, nil
}

func TestRetry(t *testing.T) {
	nw := newNetwork(t, 2)
	st := newStore(t, nw, codec.OneHot, phoneBook)

	sub := &noisy{
		Network: nw,
		count:   6,
	}
	e := New(sub, st, &Params{
		MaxRetries: 5,
	})
	_, err := e.Lookup(context.Background(), "Bob")
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Lookup: got %v, expected ErrRetryExhausted", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 6 {
		t.Errorf("Lookup: got %v, expected 6 attempts", err)
	}

	sub.count = 3
	result, err := e.Lookup(context.Background(), "Bob")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if result.Attempts != 4 {
		t.Errorf("Lookup: %d attempts, expected 4", result.Attempts)
	}
	if result.Value != "(123) 456-7890" {
		t.Errorf("Lookup: got %q", result.Value)
	}
	if len(result.Timing.Samples) != 4 {
		t.Errorf("Timing: %d samples, expected 4",
			len(result.Timing.Samples))
	}

	var buf bytes.Buffer
	result.Timing.Print(&buf, result.Stats)
	if !strings.Contains(buf.String(), "Attempt 4") ||
		!strings.Contains(buf.String(), "matching") {
		t.Errorf("Timing report:\n%s", buf.String())
	}
}

// recording captures the randomness of every Share call.
type recording struct {
	*noisy
	dealt [][]byte
}

func (r *recording) Share(ctx context.Context, rnd io.Reader,
	vals []*big.Int) (*spdz.Value, error) {

	var buf bytes.Buffer
	v, err := r.Network.Share(ctx, io.TeeReader(rnd, &buf), vals)
	r.dealt = append(r.dealt, buf.Bytes())
	return v, err
}

func TestRetryRandomness(t *testing.T) {
	nw := newNetwork(t, 3)
	st := newStore(t, nw, codec.HashedScalar, phoneBook)

	sub := &recording{
		noisy: &noisy{
			Network: nw,
			count:   3,
		},
	}
	e := New(sub, st, &Params{
		MaxRetries: 5,
	})
	result, err := e.Lookup(context.Background(), "Bob")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if result.Attempts != 4 || result.Value != "(123) 456-7890" {
		t.Fatalf("Lookup: got %q in %d attempts",
			result.Value, result.Attempts)
	}
	if len(sub.dealt) != 4 {
		t.Fatalf("got %d shares, expected 4", len(sub.dealt))
	}
	for i := range sub.dealt {
		if len(sub.dealt[i]) == 0 {
			t.Errorf("attempt %d: no randomness", i+1)
		}
		for j := i + 1; j < len(sub.dealt); j++ {
			if bytes.Equal(sub.dealt[i], sub.dealt[j]) {
				t.Errorf("attempts %d and %d share randomness", i+1, j+1)
			}
		}
	}

	// A new query of the same key uses new randomness.
	if _, err := e.Lookup(context.Background(), "Bob"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	last := sub.dealt[len(sub.dealt)-1]
	for i := 0; i < 4; i++ {
		if bytes.Equal(sub.dealt[i], last) {
			t.Errorf("queries share randomness with attempt %d", i+1)
		}
	}
}

// gated stops the first query before its first multiplication round
// until proceed is closed.
type gated struct {
	*spdz.Network
	started chan struct{}
	proceed chan struct{}
}

func (g *gated) Preprocess(ctx context.Context, n int) error {
	if g.started != nil {
		close(g.started)
		g.started = nil
		<-g.proceed
	}
	return g.Network.Preprocess(ctx, n)
}

func TestAppendDuringLookup(t *testing.T) {
	nw := newNetwork(t, 3)
	st := newStore(t, nw, codec.OneHot, phoneBook)
	ctx := context.Background()

	started := make(chan struct{})
	sub := &gated{
		Network: nw,
		started: started,
		proceed: make(chan struct{}),
	}
	e := New(sub, st, &Params{
		MaxRetries: 0,
	})

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.Lookup(ctx, "Dan")
		done <- outcome{result, err}
	}()

	<-started
	err := st.Append(ctx, "Dan", "555-0199")
	close(sub.proceed)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	out := <-done

	// The running query sees the records of its start.
	if !errors.Is(out.err, ErrNotFound) {
		t.Errorf("Lookup: got %v, expected ErrNotFound", out.err)
	}
	if st.Len() != len(phoneBook)+1 {
		t.Errorf("Len: got %d, expected %d", st.Len(), len(phoneBook)+1)
	}

	result, err := e.Lookup(ctx, "Dan")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if result.Value != "555-0199" {
		t.Errorf("Lookup: got %q", result.Value)
	}
	result, err = e.Lookup(ctx, "Bob")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if result.Value != "(123) 456-7890" {
		t.Errorf("Lookup: got %q", result.Value)
	}
}

func TestLookupUnicodeHashed(t *testing.T) {
	nw := newNetwork(t, 2)
	st := newStore(t, nw, codec.HashedScalar, nil)
	ctx := context.Background()
	if err := st.Append(ctx, "Zo\u00eb", "42"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	e := New(nw, st, &Params{
		MaxRetries: 0,
	})
	result, err := e.Lookup(ctx, "Zoe\u0308")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if result.Value != "42" {
		t.Errorf("Lookup: got %q", result.Value)
	}
	_, err = e.Lookup(ctx, "Zoe")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(Zoe): got %v, expected ErrNotFound", err)
	}
}

func TestCancel(t *testing.T) {
	nw := newNetwork(t, 2)
	st := newStore(t, nw, codec.OneHot, phoneBook)
	e := New(nw, st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Lookup(ctx, "Bob")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Lookup: got %v, expected context.Canceled", err)
	}
}

func TestUnavailable(t *testing.T) {
	nw := newNetwork(t, 3)
	st := newStore(t, nw, codec.HashedScalar, phoneBook)
	e := New(nw, st, nil)

	if err := nw.Peer(1).Close(); err != nil {
		t.Fatal(err)
	}
	_, err := e.Lookup(context.Background(), "Bob")
	if !errors.Is(err, spdz.ErrPartyUnavailable) {
		t.Errorf("Lookup: got %v, expected ErrPartyUnavailable", err)
	}
}

var stateTests = []struct {
	state State
	name  string
	timed bool
}{
	{StateIdle, "idle", false},
	{StateEncoding, "encoding", true},
	{StateRevealing, "revealing", true},
	{StateDecoding, "decoding", true},
	{StateRetry, "retry", false},
	{State(99), "{State 99}", false},
}

func TestState(t *testing.T) {
	for _, test := range stateTests {
		if test.state.String() != test.name {
			t.Errorf("%d: got %q, expected %q",
				test.state, test.state.String(), test.name)
		}
		if test.state.Timed() != test.timed {
			t.Errorf("%v: Timed()=%v", test.state, test.state.Timed())
		}
	}
}
