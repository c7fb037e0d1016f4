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

package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// bigIntLen is the serialized size of identity IDs and states.
const bigIntLen = 32

// IdentityRecord is the latest known state of one identity.
type IdentityRecord struct {
	ID          *big.Int
	LatestState *big.Int
	// IsGenesis reports whether the identity is still in its genesis state.
	// Records are only stored by accepted transitions, so it is false on
	// every stored record; an identity with no record is in genesis.
	IsGenesis bool
	// LastBlock and LastTimestampNanos are the ledger block and time of the
	// last accepted transition.
	LastBlock          uint64
	LastTimestampNanos uint64
	// Transitions counts the accepted transitions.
	Transitions uint64
}

// LastTime returns the time of the last accepted transition.
func (r *IdentityRecord) LastTime() time.Time {
	return time.Unix(0, int64(r.LastTimestampNanos))
}

// MarshalBinary returns the storage serialization of the record:
// id(32) || state(32) || genesis(1) || block(8) || timestamp(8) || transitions(8).
func (r *IdentityRecord) MarshalBinary() ([]byte, error) {
	if err := checkBigInt("ID", r.ID); err != nil {
		return nil, err
	}
	if err := checkBigInt("LatestState", r.LatestState); err != nil {
		return nil, err
	}
	b := make([]byte, 2*bigIntLen, 2*bigIntLen+1+3*8)
	r.ID.FillBytes(b[:bigIntLen])
	r.LatestState.FillBytes(b[bigIntLen:])
	var g byte
	if r.IsGenesis {
		g = 1
	}
	b = append(b, g)
	b = binary.BigEndian.AppendUint64(b, r.LastBlock)
	b = binary.BigEndian.AppendUint64(b, r.LastTimestampNanos)
	return binary.BigEndian.AppendUint64(b, r.Transitions), nil
}

// UnmarshalBinary populates r from its storage serialization.
func (r *IdentityRecord) UnmarshalBinary(b []byte) error {
	if got, want := len(b), 2*bigIntLen+1+3*8; got != want {
		return fmt.Errorf("identity record has %d bytes, want %d", got, want)
	}
	if b[2*bigIntLen] > 1 {
		return fmt.Errorf("invalid genesis flag %d", b[2*bigIntLen])
	}
	rest := b[2*bigIntLen+1:]
	*r = IdentityRecord{
		ID:                 new(big.Int).SetBytes(b[:bigIntLen]),
		LatestState:        new(big.Int).SetBytes(b[bigIntLen : 2*bigIntLen]),
		IsGenesis:          b[2*bigIntLen] == 1,
		LastBlock:          binary.BigEndian.Uint64(rest),
		LastTimestampNanos: binary.BigEndian.Uint64(rest[8:]),
		Transitions:        binary.BigEndian.Uint64(rest[16:]),
	}
	return nil
}

// LegacyTransition is one record of the pre-tree transition log.
type LegacyTransition struct {
	ID             *big.Int
	State          *big.Int
	TimestampNanos uint64
	Block          uint64
}

func (t LegacyTransition) String() string {
	return fmt.Sprintf("{id: %v, state: %v, ts: %d, block: %d}", t.ID, t.State, t.TimestampNanos, t.Block)
}

// IDKey returns the fixed-width big-endian encoding of an identity ID, for
// use as a storage key.
func IDKey(id *big.Int) ([]byte, error) {
	if err := checkBigInt("ID", id); err != nil {
		return nil, err
	}
	return id.FillBytes(make([]byte, bigIntLen)), nil
}

func checkBigInt(name string, v *big.Int) error {
	switch {
	case v == nil:
		return errors.New(name + " is nil")
	case v.Sign() < 0 || v.BitLen() > bigIntLen*8:
		return fmt.Errorf("%s %v out of range", name, v)
	}
	return nil
}
