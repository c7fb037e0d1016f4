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

package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/idstate/storage"
	"github.com/google/idstate/types"
	"github.com/transparency-dev/merkle"
	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"
)

// syncBatch bounds the number of entries read from storage per request in
// Sync.
const syncBatch = 1024

// Commitment is an RFC 6962 log tree whose leaves are the binary encodings
// of the history entries. Its root commits to the whole history, so a
// relying party can check a single entry with an inclusion proof against a
// checkpoint instead of trusting the full log.
//
// A Commitment is safe for concurrent use.
type Commitment struct {
	hasher merkle.LogHasher

	mu     sync.RWMutex
	hashes [][][]byte // Node hashes, indexed by node (level, index).
	size   uint64
}

// NewCommitment returns an empty Commitment.
func NewCommitment() *Commitment {
	return &Commitment{hasher: rfc6962.DefaultHasher}
}

// Sync appends the history entries not yet in the tree. A reader whose
// history is no longer than the tree, such as a snapshot taken before a
// concurrent Sync through a newer one, leaves the tree unchanged.
func (c *Commitment) Sync(ctx context.Context, r storage.HistoryReader) error {
	n, err := r.RootCount(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.size < n {
		to := c.size + syncBatch - 1
		if to >= n {
			to = n - 1
		}
		entries, err := r.RootsInRange(ctx, c.size, to)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Sequence != c.size {
				return fmt.Errorf("history: entry %d read at position %d", e.Sequence, c.size)
			}
			data, err := e.MarshalBinary()
			if err != nil {
				return err
			}
			c.appendLocked(c.hasher.HashLeaf(data))
		}
	}
	return nil
}

func (c *Commitment) appendLocked(hash []byte) {
	level := 0
	for ; (c.size>>level)&1 == 1; level++ {
		row := append(c.hashes[level], hash)
		hash = c.hasher.HashChildren(row[len(row)-2], hash)
		c.hashes[level] = row
	}
	if level == len(c.hashes) {
		c.hashes = append(c.hashes, nil)
	}
	c.hashes[level] = append(c.hashes[level], hash)
	c.size++
}

// Checkpoint returns the number of entries committed to and the tree root.
func (c *Commitment) Checkpoint() (uint64, []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size, c.rootLocked(c.size)
}

// RootAt returns the tree root over the first size entries.
func (c *Commitment) RootAt(size uint64) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if size > c.size {
		return nil, fmt.Errorf("%w: size %d beyond %d", ErrIndexOutOfRange, size, c.size)
	}
	return c.rootLocked(size), nil
}

func (c *Commitment) rootLocked(size uint64) []byte {
	if size == 0 {
		return c.hasher.EmptyRoot()
	}
	hashes := c.nodesLocked(compact.RangeNodes(0, size, nil))
	hash := hashes[len(hashes)-1]
	for i := len(hashes) - 2; i >= 0; i-- {
		hash = c.hasher.HashChildren(hashes[i], hash)
	}
	return hash
}

// InclusionProof returns the proof that entry index is in the tree of the
// given size.
func (c *Commitment) InclusionProof(index, size uint64) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index >= size || size > c.size {
		return nil, fmt.Errorf("%w: index %d, size %d, committed %d", ErrIndexOutOfRange, index, size, c.size)
	}
	nodes, err := proof.Inclusion(index, size)
	if err != nil {
		return nil, err
	}
	return nodes.Rehash(c.nodesLocked(nodes.IDs), c.hasher.HashChildren)
}

// ConsistencyProof returns the proof that the tree of size2 extends the tree
// of size1.
func (c *Commitment) ConsistencyProof(size1, size2 uint64) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if size1 > size2 || size2 > c.size {
		return nil, fmt.Errorf("%w: sizes %d, %d, committed %d", ErrIndexOutOfRange, size1, size2, c.size)
	}
	nodes, err := proof.Consistency(size1, size2)
	if err != nil {
		return nil, err
	}
	return nodes.Rehash(c.nodesLocked(nodes.IDs), c.hasher.HashChildren)
}

func (c *Commitment) nodesLocked(ids []compact.NodeID) [][]byte {
	hashes := make([][]byte, len(ids))
	for i, id := range ids {
		hashes[i] = c.hashes[id.Level][id.Index]
	}
	return hashes
}

// VerifyInclusion checks that e is the entry at position e.Sequence of the
// history committed to by root, a tree of the given size.
func VerifyInclusion(e *types.StateRoot, size uint64, root []byte, p [][]byte) error {
	data, err := e.MarshalBinary()
	if err != nil {
		return err
	}
	return proof.VerifyInclusion(rfc6962.DefaultHasher, e.Sequence, size, rfc6962.DefaultHasher.HashLeaf(data), p, root)
}

// VerifyConsistency checks that root2, a tree of size2, extends root1, a
// tree of size1.
func VerifyConsistency(size1, size2 uint64, root1, root2 []byte, p [][]byte) error {
	return proof.VerifyConsistency(rfc6962.DefaultHasher, size1, size2, p, root1, root2)
}
