// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package types defines the values exchanged between the state registry and
// its storage and clients.
package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// StateRootFormatV1 is the version tag of the StateRoot serialization.
const StateRootFormatV1 = 1

// maxRootHashLen bounds the length of a serialized root hash.
const maxRootHashLen = 128

// StateRoot is one entry of the root history: the tree root after an
// accepted transition, and the ledger time and block it was accepted at.
type StateRoot struct {
	RootHash       []byte
	TimestampNanos uint64
	Block          uint64
	// Sequence is the index of the entry in the history.
	Sequence uint64
}

// Time returns the timestamp of the root.
func (r *StateRoot) Time() time.Time {
	return time.Unix(0, int64(r.TimestampNanos))
}

// MarshalBinary returns a canonical serialization of the root:
// version(2) || len(root)(1) || root || timestamp(8) || block(8) || sequence(8),
// all integers big-endian.
func (r *StateRoot) MarshalBinary() ([]byte, error) {
	if len(r.RootHash) > maxRootHashLen {
		return nil, fmt.Errorf("root hash has %d bytes, want at most %d", len(r.RootHash), maxRootHashLen)
	}
	b := make([]byte, 0, 2+1+len(r.RootHash)+3*8)
	b = binary.BigEndian.AppendUint16(b, StateRootFormatV1)
	b = append(b, byte(len(r.RootHash)))
	b = append(b, r.RootHash...)
	b = binary.BigEndian.AppendUint64(b, r.TimestampNanos)
	b = binary.BigEndian.AppendUint64(b, r.Block)
	return binary.BigEndian.AppendUint64(b, r.Sequence), nil
}

// UnmarshalBinary verifies that b has the StateRootFormatV1 tag and
// populates r.
func (r *StateRoot) UnmarshalBinary(b []byte) error {
	if len(b) < 3 {
		return errors.New("state root too short")
	}
	if v := binary.BigEndian.Uint16(b); v != StateRootFormatV1 {
		return fmt.Errorf("invalid StateRoot.Version: %v, want %v", v, StateRootFormatV1)
	}
	n := int(b[2])
	b = b[3:]
	if got, want := len(b), n+3*8; got != want {
		return fmt.Errorf("state root body has %d bytes, want %d", got, want)
	}
	var root []byte
	if n > 0 {
		root = append([]byte(nil), b[:n]...)
	}
	b = b[n:]
	*r = StateRoot{
		RootHash:       root,
		TimestampNanos: binary.BigEndian.Uint64(b),
		Block:          binary.BigEndian.Uint64(b[8:]),
		Sequence:       binary.BigEndian.Uint64(b[16:]),
	}
	return nil
}

// MustMarshalStateRoot returns the serialization of r or panics. For tests.
func MustMarshalStateRoot(r *StateRoot) []byte {
	b, err := r.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}
