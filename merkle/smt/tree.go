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

// Package smt implements a compressed sparse Merkle tree over
// content-addressed node storage.
//
// A leaf is stored at the shallowest depth at which its path is not shared
// with any other leaf, so the tree only grows Middle nodes where key paths
// overlap. Nodes are never modified or deleted: every update writes new nodes
// along one path and reuses all untouched subtrees by hash, which keeps every
// historical root readable.
package smt

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/google/idstate/merkle/hashers"
	"github.com/google/idstate/merkle/smt/node"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// NodeReader reads encoded nodes by hash. A missing node is reported with an
// error of code NotFound.
type NodeReader interface {
	GetNode(ctx context.Context, hash []byte) ([]byte, error)
}

// NodeWriter adds encoded nodes to a content-addressed store. Putting a node
// that already exists is a no-op.
type NodeWriter interface {
	NodeReader
	PutNode(ctx context.Context, hash, encoded []byte) error
}

// Tree computes and proves sparse Merkle trees of a fixed depth. It holds no
// state of its own: every operation takes the root to start from, and the
// node store to read from or write to.
type Tree struct {
	h     hashers.Hasher
	depth uint
}

// NewTree returns a Tree of the given depth, which must be in [1, 256].
func NewTree(h hashers.Hasher, depth uint) (*Tree, error) {
	if h == nil {
		return nil, fmt.Errorf("smt: nil hasher")
	}
	if depth == 0 || depth > maxKeyBits {
		return nil, fmt.Errorf("smt: depth %d out of [1, %d]", depth, maxKeyBits)
	}
	return &Tree{h: h, depth: depth}, nil
}

// Depth returns the maximum depth of the tree.
func (t *Tree) Depth() uint {
	return t.depth
}

// Hasher returns the node hasher of the tree.
func (t *Tree) Hasher() hashers.Hasher {
	return t.h
}

// EmptyRoot returns the root hash of a tree with no leaves.
func (t *Tree) EmptyRoot() []byte {
	return t.h.EmptyHash()
}

func (t *Tree) isEmpty(hash []byte) bool {
	return bytes.Equal(hash, t.h.EmptyHash())
}

// CheckValue returns an InvalidArgument error unless v can be stored in the
// tree as a key or value: a non-negative integer of at most 256 bits that
// is also in the hasher's input domain.
func (t *Tree) CheckValue(name string, v *big.Int) error {
	if err := CheckKey(name, v); err != nil {
		return err
	}
	if err := t.h.CheckInput(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return nil
}

// path returns the path of the key. The key must have passed CheckKey.
func (t *Tree) path(key *big.Int) node.ID {
	return node.NewIDFromKey(key, t.depth)
}

// load reads a node and checks that it hashes to the requested hash.
func (t *Tree) load(ctx context.Context, r NodeReader, hash []byte) (*Node, error) {
	enc, err := r.GetNode(ctx, hash)
	if status.Code(err) == codes.NotFound {
		return nil, unknownNode(hash, "not found")
	} else if err != nil {
		return nil, err
	}
	n, err := DecodeNode(enc)
	if err != nil {
		return nil, unknownNode(hash, "%v", err)
	}
	got, err := n.Hash(t.h)
	if err != nil {
		return nil, unknownNode(hash, "%v", err)
	}
	if !bytes.Equal(got, hash) {
		return nil, unknownNode(hash, "content hashes to %x", got)
	}
	return n, nil
}

// put stores a node and returns its hash.
func (t *Tree) put(ctx context.Context, w NodeWriter, n *Node) ([]byte, error) {
	hash, err := n.Hash(t.h)
	if err != nil {
		return nil, err
	}
	enc, err := n.Encode()
	if err != nil {
		return nil, err
	}
	if err := w.PutNode(ctx, hash, enc); err != nil {
		return nil, fmt.Errorf("PutNode(%x): %w", hash, err)
	}
	return hash, nil
}

// walk descends from root along path until it reaches an empty subtree or a
// leaf. It returns the sibling hashes passed on the way, one per level, and
// the terminal leaf, which is nil for an empty subtree.
func (t *Tree) walk(ctx context.Context, r NodeReader, root []byte, path node.ID) ([][]byte, *Node, error) {
	siblings := make([][]byte, 0, t.depth)
	cur := root
	for d := uint(0); d <= t.depth; d++ {
		if t.isEmpty(cur) {
			return siblings, nil, nil
		}
		n, err := t.load(ctx, r, cur)
		if err != nil {
			return nil, nil, err
		}
		switch n.Kind {
		case Leaf:
			return siblings, n, nil
		case Middle:
			if d == t.depth {
				return nil, nil, unknownNode(cur, "middle node at depth %d", d)
			}
			if path.Bit(d) == 0 {
				siblings = append(siblings, n.Right)
				cur = n.Left
			} else {
				siblings = append(siblings, n.Left)
				cur = n.Right
			}
		}
	}
	// Unreachable: the loop returns at the latest at depth t.depth.
	return nil, nil, unknownNode(root, "path exceeds depth %d", t.depth)
}

// Update sets the value of key in the tree with the given root, and returns
// the new root. Only the nodes on the path of key are written; all other
// subtrees are shared with the old root.
//
// If the path of key ends in a leaf of another key, Middle nodes are added
// until the two paths diverge. Returns ErrPathCollision if they never do.
func (t *Tree) Update(ctx context.Context, w NodeWriter, root []byte, key, value *big.Int) ([]byte, error) {
	if err := t.CheckValue("key", key); err != nil {
		return nil, err
	}
	if err := t.CheckValue("value", value); err != nil {
		return nil, err
	}
	path := t.path(key)
	siblings, term, err := t.walk(ctx, w, root, path)
	if err != nil {
		return nil, err
	}

	split := t.depth
	if term != nil && term.Key.Cmp(key) != 0 {
		split = node.CommonPrefixLen(path, t.path(term.Key), uint(len(siblings)))
		if split >= t.depth {
			return nil, fmt.Errorf("%w: keys %v and %v at depth %d", ErrPathCollision, key, term.Key, t.depth)
		}
	}

	hash, err := t.put(ctx, w, NewLeaf(key, value))
	if err != nil {
		return nil, err
	}
	if split < t.depth {
		// Push the existing leaf down until the two paths split.
		for d := uint(len(siblings)); d < split; d++ {
			siblings = append(siblings, t.h.EmptyHash())
		}
		otherHash, err := term.Hash(t.h)
		if err != nil {
			return nil, err
		}
		mid := NewMiddle(hash, otherHash)
		if path.Bit(split) == 1 {
			mid = NewMiddle(otherHash, hash)
		}
		if hash, err = t.put(ctx, w, mid); err != nil {
			return nil, err
		}
	}

	for d := len(siblings) - 1; d >= 0; d-- {
		mid := NewMiddle(hash, siblings[d])
		if path.Bit(uint(d)) == 1 {
			mid = NewMiddle(siblings[d], hash)
		}
		if hash, err = t.put(ctx, w, mid); err != nil {
			return nil, err
		}
	}
	klog.V(2).Infof("smt: Update(%v) root %x -> %x", key, root, hash)
	return hash, nil
}

// Get returns the value of key in the tree with the given root, or nil if
// the key is not present.
func (t *Tree) Get(ctx context.Context, r NodeReader, root []byte, key *big.Int) (*big.Int, error) {
	if err := CheckKey("key", key); err != nil {
		return nil, err
	}
	_, term, err := t.walk(ctx, r, root, t.path(key))
	if err != nil {
		return nil, err
	}
	if term == nil || term.Key.Cmp(key) != 0 {
		return nil, nil
	}
	return term.Value, nil
}

// Prove returns an inclusion or non-inclusion proof for key in the tree with
// the given root, which may be any root the tree has ever had.
func (t *Tree) Prove(ctx context.Context, r NodeReader, root []byte, key *big.Int) (*Proof, error) {
	if err := CheckKey("key", key); err != nil {
		return nil, err
	}
	siblings, term, err := t.walk(ctx, r, root, t.path(key))
	if err != nil {
		return nil, err
	}
	p := &Proof{
		Existence: term != nil && term.Key.Cmp(key) == 0,
		Depth:     uint(len(siblings)),
		Siblings:  make([][]byte, t.depth),
		Leaf:      term,
	}
	copy(p.Siblings, siblings)
	for i := len(siblings); i < len(p.Siblings); i++ {
		p.Siblings[i] = t.h.EmptyHash()
	}
	return p, nil
}
