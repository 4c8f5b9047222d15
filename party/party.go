//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package party implements the fixed party set of the store and the
// pairwise connection mesh between the parties. Party identities use
// the https://github.com/bnb-chain/tss-lib party IDs.
package party

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"

	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/markkurossi/mpc/p2p"
	"github.com/markkurossi/okvs/config"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

const moniker = "OKVS"

func makePartyID(name string) *tss.PartyID {
	h := blake2b.Sum256([]byte(moniker + "/" + name))
	return tss.NewPartyID(name, moniker, new(big.Int).SetBytes(h[:]))
}

// Set implements the ordered party set. The parties are sorted by
// their keys and the sorted index is the party's protocol ID.
type Set struct {
	ids   tss.SortedPartyIDs
	addrs []string
}

// NewSet creates a party set from the party configuration.
func NewSet(parties []config.Party) (*Set, error) {
	if len(parties) < 2 {
		return nil, fmt.Errorf("at least 2 parties required, got %d",
			len(parties))
	}
	var unsorted tss.UnSortedPartyIDs
	addrs := make(map[string]string)
	var numAddrs int
	for _, p := range parties {
		if len(p.Name) == 0 {
			return nil, errors.New("empty party name")
		}
		if _, ok := addrs[p.Name]; ok {
			return nil, fmt.Errorf("duplicate party: %s", p.Name)
		}
		addrs[p.Name] = p.Addr
		if len(p.Addr) > 0 {
			numAddrs++
		}
		unsorted = append(unsorted, makePartyID(p.Name))
	}
	if numAddrs != 0 && numAddrs != len(parties) {
		return nil, errors.New("either all or no parties must have an address")
	}

	set := &Set{
		ids: tss.SortPartyIDs(unsorted),
	}
	for _, id := range set.ids {
		set.addrs = append(set.addrs, addrs[id.Id])
	}
	return set, nil
}

// Len returns the number of parties.
func (set *Set) Len() int {
	return len(set.ids)
}

// IDs returns the sorted party IDs.
func (set *Set) IDs() tss.SortedPartyIDs {
	return set.ids
}

// Names returns the party names in the protocol ID order.
func (set *Set) Names() []string {
	var result []string
	for _, id := range set.ids {
		result = append(result, id.Id)
	}
	return result
}

// Index returns the protocol ID of the named party.
func (set *Set) Index(name string) (int, bool) {
	for _, id := range set.ids {
		if id.Id == name {
			return id.Index, true
		}
	}
	return 0, false
}

// Local tests if the parties are connected with in-memory pipes.
func (set *Set) Local() bool {
	return len(set.addrs[0]) == 0
}

// Connect creates the connection mesh. The result conns[i][j] is
// party i's connection to party j.
func (set *Set) Connect(ctx context.Context, verbose bool) (
	[][]*p2p.Conn, error) {

	n := set.Len()
	conns := make([][]*p2p.Conn, n)
	for i := range conns {
		conns[i] = make([]*p2p.Conn, n)
	}
	if set.Local() {
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				conns[i][j], conns[j][i] = p2p.Pipe()
			}
		}
		return conns, nil
	}

	var lc net.ListenConfig
	var listeners []net.Listener
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	for i, addr := range set.addrs {
		l, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("party %s: %w", set.ids[i].Id, err)
		}
		if verbose {
			log.Printf("party %s: listening at %s", set.ids[i].Id, l.Addr())
		}
		listeners = append(listeners, l)
	}

	var g errgroup.Group
	var dialer net.Dialer
	for i := 0; i < n; i++ {
		// Accept connections from all lower IDs.
		g.Go(func() error {
			for k := 0; k < i; k++ {
				nc, err := listeners[i].Accept()
				if err != nil {
					return err
				}
				conn := p2p.NewConn(nc)
				id, err := conn.ReceiveUint32()
				if err != nil {
					conn.Close()
					return err
				}
				if id < 0 || id >= i || conns[i][id] != nil {
					conn.Close()
					return fmt.Errorf("party %s: unexpected peer ID %d",
						set.ids[i].Id, id)
				}
				if verbose {
					log.Printf("party %s: peer %s connected from %s",
						set.ids[i].Id, set.ids[id].Id, nc.RemoteAddr())
				}
				conns[i][id] = conn
			}
			return nil
		})
		// Dial all higher IDs.
		g.Go(func() error {
			for j := i + 1; j < n; j++ {
				nc, err := dialer.DialContext(ctx, "tcp",
					listeners[j].Addr().String())
				if err != nil {
					return err
				}
				conn := p2p.NewConn(nc)
				if err := conn.SendUint32(i); err != nil {
					conn.Close()
					return err
				}
				if err := conn.Flush(); err != nil {
					conn.Close()
					return err
				}
				conns[i][j] = conn
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		Close(conns)
		return nil, err
	}
	return conns, nil
}

// Close closes all connections of the mesh.
func Close(conns [][]*p2p.Conn) {
	for _, row := range conns {
		for _, conn := range row {
			if conn != nil {
				conn.Close()
			}
		}
	}
}
