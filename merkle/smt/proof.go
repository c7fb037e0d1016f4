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

package smt

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/idstate/merkle/hashers"
	"github.com/google/idstate/merkle/smt/node"
)

// Proof is a Merkle path from a root to the position of a key.
type Proof struct {
	// Existence is true if the key is present in the tree.
	Existence bool
	// Depth is the depth of the terminal node of the path.
	Depth uint
	// Siblings holds one sibling hash per tree level, root first. Entries at
	// and below Depth are empty hashes.
	Siblings [][]byte
	// Leaf is the leaf the path ends in: the key's own leaf if Existence is
	// true, another key's leaf sharing the path prefix, or nil if the path
	// ends in an empty subtree.
	Leaf *Node
}

// Value returns the proven value of the key, or nil for a non-inclusion
// proof.
func (p *Proof) Value() *big.Int {
	if !p.Existence || p.Leaf == nil {
		return nil
	}
	return p.Leaf.Value
}

// VerifyProof checks that the proof shows key holding value in the tree with
// the given root. A nil value checks that key is not present. The tree depth
// is the number of siblings in the proof.
func VerifyProof(h hashers.Hasher, root []byte, key, value *big.Int, p *Proof) error {
	if p == nil {
		return errors.New("smt: nil proof")
	}
	depth := uint(len(p.Siblings))
	if depth == 0 || depth > maxKeyBits {
		return fmt.Errorf("smt: proof has %d siblings, want [1, %d]", depth, maxKeyBits)
	}
	if p.Depth > depth {
		return fmt.Errorf("smt: proof depth %d exceeds tree depth %d", p.Depth, depth)
	}
	for i := p.Depth; i < depth; i++ {
		if !bytes.Equal(p.Siblings[i], h.EmptyHash()) {
			return fmt.Errorf("smt: non-empty sibling at depth %d below terminal depth %d", i, p.Depth)
		}
	}
	if err := CheckKey("key", key); err != nil {
		return err
	}
	path := node.NewIDFromKey(key, depth)

	var hash []byte
	var err error
	switch {
	case value != nil:
		if !p.Existence {
			return fmt.Errorf("%w: non-inclusion proof for key %v", ErrProofMismatch, key)
		}
		hash, err = h.HashLeaf(key, value)
	case p.Existence:
		return fmt.Errorf("%w: inclusion proof for key %v", ErrProofMismatch, key)
	case p.Leaf != nil:
		if p.Leaf.Kind != Leaf || CheckKey("leaf key", p.Leaf.Key) != nil || p.Leaf.Key.Cmp(key) == 0 {
			return fmt.Errorf("%w: bad terminal leaf for key %v", ErrProofMismatch, key)
		}
		if n := node.CommonPrefixLen(path, node.NewIDFromKey(p.Leaf.Key, depth), 0); n < p.Depth {
			return fmt.Errorf("%w: terminal leaf %v is off the path of key %v", ErrProofMismatch, p.Leaf.Key, key)
		}
		hash, err = h.HashLeaf(p.Leaf.Key, p.Leaf.Value)
	default:
		hash = h.EmptyHash()
	}
	if err != nil {
		return err
	}

	for d := int(p.Depth) - 1; d >= 0; d-- {
		if path.Bit(uint(d)) == 0 {
			hash, err = h.HashChildren(hash, p.Siblings[d])
		} else {
			hash, err = h.HashChildren(p.Siblings[d], hash)
		}
		if err != nil {
			return err
		}
	}
	if !bytes.Equal(hash, root) {
		return fmt.Errorf("%w: calculated root %x, want %x", ErrProofMismatch, hash, root)
	}
	return nil
}

// Verify reports whether VerifyProof accepts the proof.
func Verify(h hashers.Hasher, root []byte, key, value *big.Int, p *Proof) bool {
	return VerifyProof(h, root, key, value, p) == nil
}
