//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package query

import (
	"fmt"
)

// State defines query states.
type State int

// Query states.
const (
	StateIdle State = iota
	StateEncoding
	StateSharing
	StateMatching
	StateMasking
	StateAggregating
	StateRevealing
	StateDecoding
	StateRetry
	StateDone
	StateExhausted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateEncoding:    "encoding",
	StateSharing:     "sharing",
	StateMatching:    "matching",
	StateMasking:     "masking",
	StateAggregating: "aggregating",
	StateRevealing:   "revealing",
	StateDecoding:    "decoding",
	StateRetry:       "retry",
	StateDone:        "done",
	StateExhausted:   "exhausted",
	StateFailed:      "failed",
}

func (s State) String() string {
	name, ok := stateNames[s]
	if ok {
		return name
	}
	return fmt.Sprintf("{State %d}", s)
}

// Timed tests if the state is a protocol stage with a timing sample.
func (s State) Timed() bool {
	return s >= StateEncoding && s <= StateDecoding
}
