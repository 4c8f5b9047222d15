//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package spdz

import (
	"fmt"
	"math/big"

	"github.com/markkurossi/mpc/p2p"
)

// maxChunk limits the size of one data frame so that it always fits
// into the connection's write buffer.
const maxChunk = 32 * 1024

func sendFields(conn *p2p.Conn, f *Field, vals []*big.Int) error {
	if err := conn.SendUint32(len(vals)); err != nil {
		return err
	}
	per := maxChunk / f.Size()
	for ofs := 0; ofs < len(vals); ofs += per {
		end := min(ofs+per, len(vals))
		if err := conn.SendData(f.Encode(vals[ofs:end])); err != nil {
			return err
		}
	}
	return conn.Flush()
}

func receiveFields(conn *p2p.Conn, f *Field, n int) ([]*big.Int, error) {
	count, err := conn.ReceiveUint32()
	if err != nil {
		return nil, err
	}
	if count != n {
		return nil, fmt.Errorf("protocol error: peer sent %d elements, our %d",
			count, n)
	}
	result := make([]*big.Int, 0, n)
	for len(result) < n {
		data, err := conn.ReceiveData()
		if err != nil {
			return nil, err
		}
		vals, err := f.Decode(data)
		if err != nil {
			return nil, err
		}
		result = append(result, vals...)
	}
	if len(result) != n {
		return nil, fmt.Errorf("protocol error: received %d elements, expected %d",
			len(result), n)
	}
	return result, nil
}
