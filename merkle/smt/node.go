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
	"github.com/google/idstate/merkle/maphasher"
)

// Kind is the variant of a tree node.
type Kind byte

const (
	// Empty is an empty subtree. It is never stored, and hashes to the
	// hasher's EmptyHash.
	Empty Kind = iota
	// Leaf holds a single key and its value.
	Leaf
	// Middle holds the hashes of two child subtrees.
	Middle
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "Empty"
	case Leaf:
		return "Leaf"
	case Middle:
		return "Middle"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Node is a sparse Merkle tree node. Nodes are immutable once stored, and
// are addressed by their hash.
type Node struct {
	Kind Kind
	// Key and Value are set for Leaf nodes.
	Key, Value *big.Int
	// Left and Right are the child hashes of Middle nodes.
	Left, Right []byte
}

// NewLeaf returns a leaf node.
func NewLeaf(key, value *big.Int) *Node {
	return &Node{Kind: Leaf, Key: key, Value: value}
}

// NewMiddle returns a middle node.
func NewMiddle(left, right []byte) *Node {
	return &Node{Kind: Middle, Left: left, Right: right}
}

// Hash returns the hash of the node.
func (n *Node) Hash(h hashers.Hasher) ([]byte, error) {
	switch n.Kind {
	case Empty:
		return h.EmptyHash(), nil
	case Leaf:
		return h.HashLeaf(n.Key, n.Value)
	case Middle:
		return h.HashChildren(n.Left, n.Right)
	}
	return nil, fmt.Errorf("hash of %v node", n.Kind)
}

// Encode returns the canonical encoding of a leaf or middle node:
// 0x01 || key || value for leaves, with 32-byte big-endian key and value,
// and 0x02 || left || right for middle nodes.
func (n *Node) Encode() ([]byte, error) {
	switch n.Kind {
	case Leaf:
		return maphasher.EncodeLeaf(n.Key, n.Value)
	case Middle:
		if len(n.Left) != len(n.Right) || len(n.Left) == 0 {
			return nil, fmt.Errorf("middle node with child hash sizes %d and %d", len(n.Left), len(n.Right))
		}
		b := make([]byte, 0, 1+2*len(n.Left))
		b = append(b, maphasher.MiddlePrefix)
		b = append(b, n.Left...)
		return append(b, n.Right...), nil
	}
	return nil, fmt.Errorf("encode of %v node", n.Kind)
}

// DecodeNode parses the canonical encoding of a node.
func DecodeNode(b []byte) (*Node, error) {
	if len(b) == 0 {
		return nil, errors.New("empty node encoding")
	}
	switch b[0] {
	case maphasher.LeafPrefix:
		if got, want := len(b), 1+2*maphasher.KeySize; got != want {
			return nil, fmt.Errorf("leaf encoding has %d bytes, want %d", got, want)
		}
		key := new(big.Int).SetBytes(b[1 : 1+maphasher.KeySize])
		value := new(big.Int).SetBytes(b[1+maphasher.KeySize:])
		return NewLeaf(key, value), nil
	case maphasher.MiddlePrefix:
		if len(b) < 3 || len(b)%2 != 1 {
			return nil, fmt.Errorf("middle encoding has %d bytes", len(b))
		}
		sz := (len(b) - 1) / 2
		left := bytes.Clone(b[1 : 1+sz])
		right := bytes.Clone(b[1+sz:])
		return NewMiddle(left, right), nil
	}
	return nil, fmt.Errorf("unknown node prefix %#x", b[0])
}
