//
// Copyright (c) 2025-2026 Markku Rossi
//
// All rights reserved.
//

package spdz

import (
	"fmt"
	"math/big"

	"github.com/markkurossi/mpc/ot"
	"github.com/markkurossi/mpc/p2p"
	"github.com/markkurossi/mpc/vole"
)

// batchSize limits the number of VOLE multiplications in one message
// so that the packed vectors fit into the connection buffers.
const batchSize = 1024

// generateTriples generates n Beaver triples and appends them to the
// peer's triple pool. Each peer samples its A and B shares and
// computes its C share as the local product A*B plus the cross terms
// A_i*B_j with all other peers. Every ordered cross term is computed
// with one VOLE where peer i is the sender with input A_i and peer j
// is the receiver with input B_j.
func (p *Peer) generateTriples(n int) error {
	if n <= 0 {
		return nil
	}
	f := p.field
	r := p.params.rand()

	as := make([]*big.Int, n)
	bs := make([]*big.Int, n)
	cs := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		a, err := f.Random(r)
		if err != nil {
			return err
		}
		b, err := f.Random(r)
		if err != nil {
			return err
		}
		as[i] = a
		bs[i] = b
		cs[i] = f.Mul(a, b)
	}

	for j, conn := range p.conns {
		if j == p.id {
			continue
		}
		// The lower ID is the sender in the first direction.
		first := p.id < j
		for dir := 0; dir < 2; dir++ {
			sender := (dir == 0) == first
			terms, err := p.crossMultiply(conn, sender, as, bs)
			if err != nil {
				return fmt.Errorf("peer %d: cross multiply with %d: %w",
					p.id, j, err)
			}
			for i, t := range terms {
				cs[i] = f.Add(cs[i], t)
			}
		}
	}

	for i := 0; i < n; i++ {
		p.triples = append(p.triples, &Triple{
			A: as[i],
			B: bs[i],
			C: cs[i],
		})
	}
	return nil
}

// crossMultiply runs one VOLE direction with a peer and returns this
// peer's additive contributions to the cross terms. The sender
// contributes -r and the receiver u = r + a*b.
func (p *Peer) crossMultiply(conn *p2p.Conn, sender bool,
	as, bs []*big.Int) ([]*big.Int, error) {

	var oti ot.OT
	if p.params.OT != nil {
		oti = p.params.OT()
	}
	role := vole.ReceiverRole
	if sender {
		role = vole.SenderRole
	}
	ext := vole.NewExt(oti, conn, role)
	if err := ext.Setup(p.params.rand()); err != nil {
		return nil, err
	}

	result := make([]*big.Int, 0, len(as))
	for base := 0; base < len(as); base += batchSize {
		end := min(base+batchSize, len(as))
		m := end - base

		if sender {
			rs, err := ext.MulSender(as[base:end], p.field.P)
			if err != nil {
				return nil, fmt.Errorf("VOLE MulSender: %w", err)
			}
			if len(rs) != m {
				return nil,
					fmt.Errorf("VOLE MulSender returned %d masks, want %d",
						len(rs), m)
			}
			for _, r := range rs {
				result = append(result, p.field.Reduce(new(big.Int).Neg(r)))
			}
		} else {
			us, err := ext.MulReceiver(bs[base:end], p.field.P)
			if err != nil {
				return nil, fmt.Errorf("VOLE MulReceiver: %w", err)
			}
			if len(us) != m {
				return nil,
					fmt.Errorf("VOLE MulReceiver returned %d values, want %d",
						len(us), m)
			}
			result = append(result, us...)
		}
	}
	return result, nil
}
