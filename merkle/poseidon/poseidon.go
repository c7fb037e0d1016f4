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

// Package poseidon provides iden3 compatible Poseidon hashing for sparse
// Merkle trees.
package poseidon

import (
	"fmt"
	"math/big"

	"github.com/google/idstate/merkle/hashers"
	"github.com/iden3/go-iden3-crypto/constants"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

func init() {
	hashers.Register(hashers.Poseidon, Default)
}

// size is the number of bytes of a BN254 scalar field element.
const size = 32

// Default is the Poseidon hasher.
var Default = &Hasher{empty: make([]byte, size)}

// Hasher computes leaf hashes as Poseidon(key, value, 1) and middle node
// hashes as Poseidon(left, right), with the same field element layout as
// iden3 identity trees. Hashes are big-endian field elements.
type Hasher struct {
	empty []byte
}

// String returns a string representation for debugging.
func (h *Hasher) String() string {
	return "PoseidonHasher"
}

// EmptyHash returns the hash of an empty subtree, the zero field element.
func (h *Hasher) EmptyHash() []byte {
	return h.empty
}

// Size returns the number of bytes in a hash.
func (h *Hasher) Size() int {
	return size
}

// CheckInput returns an error unless v is an element of the scalar field.
func (h *Hasher) CheckInput(v *big.Int) error {
	if v.Sign() < 0 || v.Cmp(constants.Q) >= 0 {
		return fmt.Errorf("%v is not in the BN254 scalar field", v)
	}
	return nil
}

// HashLeaf returns Poseidon(key, value, 1). Both key and value must be
// elements of the scalar field.
func (h *Hasher) HashLeaf(key, value *big.Int) ([]byte, error) {
	if key == nil || value == nil {
		return nil, fmt.Errorf("HashLeaf: nil input")
	}
	r, err := poseidon.Hash([]*big.Int{key, value, big.NewInt(1)})
	if err != nil {
		return nil, fmt.Errorf("HashLeaf(%v, %v): %w", key, value, err)
	}
	return r.FillBytes(make([]byte, size)), nil
}

// HashChildren returns Poseidon(l, r) over the field elements encoded by the
// child hashes.
func (h *Hasher) HashChildren(l, r []byte) ([]byte, error) {
	if len(l) != size || len(r) != size {
		return nil, fmt.Errorf("HashChildren: child hash sizes %d and %d, want %d", len(l), len(r), size)
	}
	res, err := poseidon.Hash([]*big.Int{new(big.Int).SetBytes(l), new(big.Int).SetBytes(r)})
	if err != nil {
		return nil, fmt.Errorf("HashChildren: %w", err)
	}
	return res.FillBytes(make([]byte, size)), nil
}
