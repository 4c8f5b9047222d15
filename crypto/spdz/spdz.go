//
// Copyright (c) 2025-2026 Markku Rossi
//
// All rights reserved.
//

// Package spdz implements additive secret sharing for N semi-honest
// parties. Linear operations are local to each party and
// multiplication uses Beaver triples that the parties generate
// pairwise with VOLE.
package spdz

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/markkurossi/mpc/ot"
	"github.com/markkurossi/mpc/p2p"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPartyUnavailable is returned when a party can't take part in
	// the operation.
	ErrPartyUnavailable = errors.New("party unavailable")

	// ErrShape is returned when the operand lengths do not match.
	ErrShape = errors.New("shape mismatch")

	bigOne = big.NewInt(1)
)

// Value is a handle to a secret-shared vector. The shares are held by
// the peers of the Network that created the value.
type Value struct {
	id uint64
	n  int
}

// Len returns the number of elements in the value.
func (v *Value) Len() int {
	return v.n
}

func (v *Value) String() string {
	return fmt.Sprintf("v%d[%d]", v.id, v.n)
}

// Triple implements a peer's share of a Beaver triple (a, b, a*b).
type Triple struct {
	A *big.Int
	B *big.Int
	C *big.Int
}

// Params define network parameters.
type Params struct {
	// OT creates base OT instances for the VOLE setup. If nil, VOLE
	// runs in its channel shim mode without base OT.
	OT func() ot.OT

	// Rand is the entropy source of the peers' triple sampling. It
	// must be safe for concurrent use.
	Rand io.Reader

	Verbose bool
}

func (params *Params) rand() io.Reader {
	if params.Rand != nil {
		return params.Rand
	}
	return rand.Reader
}

// Peer implements one party of the network. It holds the party's
// shares of all live values and its connections to the other peers.
type Peer struct {
	m      sync.Mutex
	id     int
	field  *Field
	params *Params
	conns  []*p2p.Conn
	vars   map[uint64][]*big.Int
	closed bool

	// Triple pool. Accessed only by protocol runs which the Network
	// serializes.
	triples []*Triple
}

// ID returns the peer's ID.
func (p *Peer) ID() int {
	return p.id
}

// Close closes the peer's connections. Closing is terminal: all later
// operations involving the peer fail with ErrPartyUnavailable. The
// peer keeps its shares and its triple pool, so values stored before
// Close are not modified.
func (p *Peer) Close() error {
	p.m.Lock()
	defer p.m.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var result error
	for _, conn := range p.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && result == nil {
			result = err
		}
	}
	return result
}

func (p *Peer) available() error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.closed {
		return fmt.Errorf("peer %d: %w", p.id, ErrPartyUnavailable)
	}
	return nil
}

func (p *Peer) load(id uint64) ([]*big.Int, error) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.closed {
		return nil, fmt.Errorf("peer %d: %w", p.id, ErrPartyUnavailable)
	}
	vals, ok := p.vars[id]
	if !ok {
		return nil, fmt.Errorf("peer %d: unknown value v%d", p.id, id)
	}
	return vals, nil
}

func (p *Peer) store(id uint64, vals []*big.Int) error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.closed {
		return fmt.Errorf("peer %d: %w", p.id, ErrPartyUnavailable)
	}
	p.vars[id] = vals
	return nil
}

func (p *Peer) free(id uint64) {
	p.m.Lock()
	delete(p.vars, id)
	p.m.Unlock()
}

// Network implements a network of peers computing on secret-shared
// values.
type Network struct {
	m      sync.Mutex
	field  *Field
	params Params
	peers  []*Peer
	nextID atomic.Uint64
}

// NewNetwork creates a network over the peer connections. The
// conns[i][j] is peer i's connection to peer j and conns[i][i] is
// unused.
func NewNetwork(field *Field, conns [][]*p2p.Conn, params *Params) (
	*Network, error) {

	n := len(conns)
	if n < 2 {
		return nil, fmt.Errorf("invalid number of peers: %d", n)
	}
	nw := &Network{
		field: field,
	}
	if params != nil {
		nw.params = *params
	}
	for i, row := range conns {
		if len(row) != n {
			return nil, fmt.Errorf("peer %d: %d connections, expected %d",
				i, len(row), n)
		}
		for j, conn := range row {
			if j != i && conn == nil {
				return nil, fmt.Errorf("peer %d: no connection to peer %d",
					i, j)
			}
		}
		nw.peers = append(nw.peers, &Peer{
			id:     i,
			field:  field,
			params: &nw.params,
			conns:  row,
			vars:   make(map[uint64][]*big.Int),
		})
	}
	return nw, nil
}

// Field returns the network's field.
func (nw *Network) Field() *Field {
	return nw.field
}

// NumPeers returns the number of peers.
func (nw *Network) NumPeers() int {
	return len(nw.peers)
}

// Peer returns the peer by its ID.
func (nw *Network) Peer(id int) *Peer {
	if id < 0 || id >= len(nw.peers) {
		return nil
	}
	return nw.peers[id]
}

// Close closes all peers.
func (nw *Network) Close() error {
	var result error
	for _, p := range nw.peers {
		if err := p.Close(); err != nil && result == nil {
			result = err
		}
	}
	return result
}

// Stats returns the I/O statistics of all peer connections.
func (nw *Network) Stats() p2p.IOStats {
	result := p2p.NewIOStats()
	for _, p := range nw.peers {
		for _, conn := range p.conns {
			if conn != nil {
				result = result.Add(conn.Stats)
			}
		}
	}
	return result
}

// Triples returns the number of preprocessed triples available.
func (nw *Network) Triples() int {
	nw.m.Lock()
	defer nw.m.Unlock()
	return len(nw.peers[0].triples)
}

func (nw *Network) debugf(format string, a ...interface{}) {
	if nw.params.Verbose {
		log.Printf("spdz: "+format, a...)
	}
}

func (nw *Network) newValue(n int) *Value {
	return &Value{
		id: nw.nextID.Add(1),
		n:  n,
	}
}

func (nw *Network) available() error {
	for _, p := range nw.peers {
		if err := p.available(); err != nil {
			return err
		}
	}
	return nil
}

// run runs the protocol function f concurrently on all peers. The
// caller must hold nw.m.
func (nw *Network) run(ctx context.Context, f func(p *Peer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := nw.available(); err != nil {
		return err
	}
	var g errgroup.Group
	for _, p := range nw.peers {
		g.Go(func() error {
			return f(p)
		})
	}
	return g.Wait()
}

// local computes a new value of n elements locally at each peer.
func (nw *Network) local(n int, f func(p *Peer) ([]*big.Int, error)) (
	*Value, error) {

	if err := nw.available(); err != nil {
		return nil, err
	}
	v := nw.newValue(n)
	for _, p := range nw.peers {
		vals, err := f(p)
		if err == nil && len(vals) != n {
			err = fmt.Errorf("peer %d: computed %d elements, expected %d",
				p.id, len(vals), n)
		}
		if err == nil {
			err = p.store(v.id, vals)
		}
		if err != nil {
			nw.Free(v)
			return nil, err
		}
	}
	return v, nil
}

// Free releases the values from all peers.
func (nw *Network) Free(values ...*Value) {
	for _, v := range values {
		if v == nil {
			continue
		}
		for _, p := range nw.peers {
			p.free(v.id)
		}
	}
}

// Share splits the values into uniformly random additive shares,
// reading the randomness from r. Peer 0 deals the shares and sends
// each peer its share over the peer connections.
func (nw *Network) Share(ctx context.Context, r io.Reader, vals []*big.Int) (
	*Value, error) {

	nw.m.Lock()
	defer nw.m.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := nw.available(); err != nil {
		return nil, err
	}
	n := len(nw.peers)
	shares := make([][]*big.Int, n)
	for i := range shares {
		shares[i] = make([]*big.Int, len(vals))
	}
	for idx, val := range vals {
		sum := new(big.Int)
		for i := 1; i < n; i++ {
			s, err := nw.field.Random(r)
			if err != nil {
				return nil, err
			}
			shares[i][idx] = s
			sum.Add(sum, s)
		}
		shares[0][idx] = nw.field.Sub(val, sum)
	}

	v := nw.newValue(len(vals))
	err := nw.run(ctx, func(p *Peer) error {
		if p.id != 0 {
			received, err := receiveFields(p.conns[0], p.field, v.n)
			if err != nil {
				return fmt.Errorf("peer %d: %w", p.id, err)
			}
			return p.store(v.id, received)
		}
		for j := 1; j < n; j++ {
			if err := sendFields(p.conns[j], p.field, shares[j]); err != nil {
				return fmt.Errorf("peer %d: %w", p.id, err)
			}
		}
		return p.store(v.id, shares[0])
	})
	if err != nil {
		nw.Free(v)
		return nil, err
	}
	return v, nil
}

// Reveal reconstructs the value. Every peer sends its shares to all
// other peers and all peers must agree on the result. Reveal does not
// take a context: once started, it runs to completion.
func (nw *Network) Reveal(v *Value) ([]*big.Int, error) {
	nw.m.Lock()
	defer nw.m.Unlock()

	shares := make([][]*big.Int, len(nw.peers))
	for _, p := range nw.peers {
		s, err := p.load(v.id)
		if err != nil {
			return nil, err
		}
		if len(s) != v.n {
			return nil, fmt.Errorf("peer %d: %w: %d shares for %v",
				p.id, ErrShape, len(s), v)
		}
		shares[p.id] = s
	}

	opened := make([][]*big.Int, len(nw.peers))
	err := nw.run(context.Background(), func(p *Peer) error {
		var err error
		opened[p.id], err = p.open(shares[p.id])
		return err
	})
	if err != nil {
		return nil, err
	}
	for id := 1; id < len(opened); id++ {
		for i, val := range opened[id] {
			if val.Cmp(opened[0][i]) != 0 {
				return nil, fmt.Errorf("peer %d: reveal mismatch at %d",
					id, i)
			}
		}
	}
	return opened[0], nil
}

// Const creates a public constant value with n copies of c.
func (nw *Network) Const(c *big.Int, n int) (*Value, error) {
	c = nw.field.Reduce(c)
	return nw.local(n, func(p *Peer) ([]*big.Int, error) {
		result := make([]*big.Int, n)
		for i := range result {
			if p.id == 0 {
				result[i] = c
			} else {
				result[i] = new(big.Int)
			}
		}
		return result, nil
	})
}

// Add computes a+b.
func (nw *Network) Add(a, b *Value) (*Value, error) {
	return nw.binary(a, b, nw.field.Add)
}

// Sub computes a-b.
func (nw *Network) Sub(a, b *Value) (*Value, error) {
	return nw.binary(a, b, nw.field.Sub)
}

func (nw *Network) binary(a, b *Value, op func(x, y *big.Int) *big.Int) (
	*Value, error) {

	if a.n != b.n {
		return nil, fmt.Errorf("%w: %v and %v", ErrShape, a, b)
	}
	return nw.local(a.n, func(p *Peer) ([]*big.Int, error) {
		x, err := p.load(a.id)
		if err != nil {
			return nil, err
		}
		y, err := p.load(b.id)
		if err != nil {
			return nil, err
		}
		result := make([]*big.Int, len(x))
		for i := range x {
			result[i] = op(x[i], y[i])
		}
		return result, nil
	})
}

// AddConst computes v+c for a public constant c.
func (nw *Network) AddConst(v *Value, c *big.Int) (*Value, error) {
	c = nw.field.Reduce(c)
	return nw.local(v.n, func(p *Peer) ([]*big.Int, error) {
		x, err := p.load(v.id)
		if err != nil {
			return nil, err
		}
		if p.id != 0 {
			return x, nil
		}
		result := make([]*big.Int, len(x))
		for i := range x {
			result[i] = nw.field.Add(x[i], c)
		}
		return result, nil
	})
}

// MulConst computes v*c for a public constant c.
func (nw *Network) MulConst(v *Value, c *big.Int) (*Value, error) {
	c = nw.field.Reduce(c)
	return nw.local(v.n, func(p *Peer) ([]*big.Int, error) {
		x, err := p.load(v.id)
		if err != nil {
			return nil, err
		}
		result := make([]*big.Int, len(x))
		for i := range x {
			result[i] = nw.field.Mul(x[i], c)
		}
		return result, nil
	})
}

// Select creates a new value from the elements of v at the indices.
// An index may appear multiple times which expands the element.
func (nw *Network) Select(v *Value, indices []int) (*Value, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= v.n {
			return nil, fmt.Errorf("%w: index %d out of range for %v",
				ErrShape, idx, v)
		}
	}
	return nw.local(len(indices), func(p *Peer) ([]*big.Int, error) {
		x, err := p.load(v.id)
		if err != nil {
			return nil, err
		}
		result := make([]*big.Int, len(indices))
		for i, idx := range indices {
			result[i] = x[idx]
		}
		return result, nil
	})
}

// Expand broadcasts the single element value v to n elements.
func (nw *Network) Expand(v *Value, n int) (*Value, error) {
	if v.n != 1 {
		return nil, fmt.Errorf("%w: can't expand %v", ErrShape, v)
	}
	return nw.Select(v, make([]int, n))
}

// Concat concatenates the values.
func (nw *Network) Concat(values ...*Value) (*Value, error) {
	var n int
	for _, v := range values {
		n += v.n
	}
	return nw.local(n, func(p *Peer) ([]*big.Int, error) {
		result := make([]*big.Int, 0, n)
		for _, v := range values {
			x, err := p.load(v.id)
			if err != nil {
				return nil, err
			}
			result = append(result, x...)
		}
		return result, nil
	})
}

// SumGroups sums each group of k consecutive elements. The result has
// v.Len()/k elements.
func (nw *Network) SumGroups(v *Value, k int) (*Value, error) {
	if k <= 0 || v.n%k != 0 {
		return nil, fmt.Errorf("%w: %v not divisible into groups of %d",
			ErrShape, v, k)
	}
	return nw.local(v.n/k, func(p *Peer) ([]*big.Int, error) {
		x, err := p.load(v.id)
		if err != nil {
			return nil, err
		}
		result := make([]*big.Int, len(x)/k)
		for i := range result {
			sum := new(big.Int)
			for _, e := range x[i*k : (i+1)*k] {
				sum.Add(sum, e)
			}
			result[i] = sum.Mod(sum, nw.field.P)
		}
		return result, nil
	})
}

// Fold splits v into blocks of width elements and sums the blocks
// elementwise. The result has width elements and it is all zeros if v
// is empty.
func (nw *Network) Fold(v *Value, width int) (*Value, error) {
	if width <= 0 || v.n%width != 0 {
		return nil, fmt.Errorf("%w: %v not divisible into blocks of %d",
			ErrShape, v, width)
	}
	return nw.local(width, func(p *Peer) ([]*big.Int, error) {
		x, err := p.load(v.id)
		if err != nil {
			return nil, err
		}
		result := make([]*big.Int, width)
		for i := range result {
			result[i] = new(big.Int)
		}
		for i, e := range x {
			result[i%width].Add(result[i%width], e)
		}
		for _, r := range result {
			r.Mod(r, nw.field.P)
		}
		return result, nil
	})
}

// Preprocess generates n Beaver triples at every peer.
func (nw *Network) Preprocess(ctx context.Context, n int) error {
	nw.m.Lock()
	defer nw.m.Unlock()

	nw.debugf("preprocess %d triples", n)
	return nw.run(ctx, func(p *Peer) error {
		return p.generateTriples(n)
	})
}

// Mul computes the elementwise product a*b. Missing triples are
// generated on demand.
func (nw *Network) Mul(ctx context.Context, a, b *Value) (*Value, error) {
	nw.m.Lock()
	defer nw.m.Unlock()
	return nw.mul(ctx, a, b)
}

func (nw *Network) mul(ctx context.Context, a, b *Value) (*Value, error) {
	if a.n != b.n {
		return nil, fmt.Errorf("%w: %v and %v", ErrShape, a, b)
	}
	z := nw.newValue(a.n)
	err := nw.run(ctx, func(p *Peer) error {
		return p.mul(z.id, a.id, b.id)
	})
	if err != nil {
		nw.Free(z)
		return nil, err
	}
	return z, nil
}

// Exp computes x^e for a public exponent e using square-and-multiply.
func (nw *Network) Exp(ctx context.Context, x *Value, e *big.Int) (
	*Value, error) {

	nw.m.Lock()
	defer nw.m.Unlock()
	return nw.exp(ctx, x, e)
}

func (nw *Network) exp(ctx context.Context, x *Value, e *big.Int) (
	*Value, error) {

	if e.Sign() < 0 {
		return nil, errors.New("negative exponent")
	}
	if e.Sign() == 0 {
		return nw.Const(bigOne, x.n)
	}
	// The leading one bit initializes the result with x.
	res, err := nw.Select(x, identity(x.n))
	if err != nil {
		return nil, err
	}
	for i := e.BitLen() - 2; i >= 0; i-- {
		sq, err := nw.mul(ctx, res, res)
		nw.Free(res)
		if err != nil {
			return nil, err
		}
		res = sq
		if e.Bit(i) == 1 {
			m, err := nw.mul(ctx, res, x)
			nw.Free(res)
			if err != nil {
				return nil, err
			}
			res = m
		}
	}
	return res, nil
}

// Equal computes the elementwise equality a==b as 1 or 0. The field
// must be prime: by Fermat's little theorem, (a-b)^(p-1) is 0 if a==b
// and 1 otherwise.
func (nw *Network) Equal(ctx context.Context, a, b *Value) (*Value, error) {
	if !nw.field.Prime {
		return nil, errors.New("equality requires a prime modulus")
	}
	diff, err := nw.Sub(a, b)
	if err != nil {
		return nil, err
	}
	defer nw.Free(diff)

	nw.m.Lock()
	t, err := nw.exp(ctx, diff, new(big.Int).Sub(nw.field.P, bigOne))
	nw.m.Unlock()
	if err != nil {
		return nil, err
	}
	defer nw.Free(t)

	one, err := nw.Const(bigOne, a.n)
	if err != nil {
		return nil, err
	}
	defer nw.Free(one)

	return nw.Sub(one, t)
}

// EqualCost returns the number of triples Equal consumes per element.
func (nw *Network) EqualCost() int {
	return MulCount(new(big.Int).Sub(nw.field.P, bigOne))
}

func (p *Peer) mul(z, a, b uint64) error {
	x, err := p.load(a)
	if err != nil {
		return err
	}
	y, err := p.load(b)
	if err != nil {
		return err
	}
	n := len(x)
	if n == 0 {
		return p.store(z, nil)
	}
	if len(p.triples) < n {
		if err := p.generateTriples(n - len(p.triples)); err != nil {
			return err
		}
	}
	triples := p.triples[:n]
	p.triples = p.triples[n:]

	f := p.field

	// Open d=x-a and e=y-b in one round.
	de := make([]*big.Int, 2*n)
	for i, t := range triples {
		de[i] = f.Sub(x[i], t.A)
		de[n+i] = f.Sub(y[i], t.B)
	}
	opened, err := p.open(de)
	if err != nil {
		return err
	}

	// z = c + d*b + e*a (+ d*e at peer 0 only).
	result := make([]*big.Int, n)
	for i, t := range triples {
		d := opened[i]
		e := opened[n+i]

		term := new(big.Int).Set(t.C)
		term.Add(term, new(big.Int).Mul(d, t.B))
		term.Add(term, new(big.Int).Mul(e, t.A))
		if p.id == 0 {
			term.Add(term, new(big.Int).Mul(d, e))
		}
		result[i] = term.Mod(term, f.P)
	}
	return p.store(z, result)
}

// open opens the values to all peers and returns their sums. For each
// peer pair the lower ID sends first.
func (p *Peer) open(vals []*big.Int) ([]*big.Int, error) {
	sum := make([]*big.Int, len(vals))
	for i, v := range vals {
		sum[i] = new(big.Int).Set(v)
	}
	for j, conn := range p.conns {
		if j == p.id {
			continue
		}
		var peer []*big.Int
		var err error
		if p.id < j {
			if err = sendFields(conn, p.field, vals); err != nil {
				return nil, err
			}
			peer, err = receiveFields(conn, p.field, len(vals))
			if err != nil {
				return nil, err
			}
		} else {
			peer, err = receiveFields(conn, p.field, len(vals))
			if err != nil {
				return nil, err
			}
			if err = sendFields(conn, p.field, vals); err != nil {
				return nil, err
			}
		}
		for i, v := range peer {
			sum[i].Add(sum[i], v)
		}
	}
	for _, s := range sum {
		s.Mod(s, p.field.P)
	}
	return sum, nil
}

func identity(n int) []int {
	result := make([]int, n)
	for i := range result {
		result[i] = i
	}
	return result
}
