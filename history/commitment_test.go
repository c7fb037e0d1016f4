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
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/idstate/storage"
	"github.com/google/idstate/types"
	"github.com/transparency-dev/merkle/rfc6962"
)

func entries(n int) []entry {
	ret := make([]entry, n)
	for i := range ret {
		ret[i] = entry{root: fmt.Sprintf("root-%d", i), ts: uint64(1000 + i), block: uint64(i)}
	}
	return ret
}

func TestCommitmentSync(t *testing.T) {
	ctx := context.Background()
	c := NewCommitment()
	if size, root := c.Checkpoint(); size != 0 || !bytes.Equal(root, rfc6962.DefaultHasher.EmptyRoot()) {
		t.Errorf("Checkpoint() = %d, %x; want empty", size, root)
	}

	s := newHistory(ctx, t, entries(7)...)
	if err := c.Sync(ctx, snapshot(ctx, t, s)); err != nil {
		t.Fatalf("Sync(): %v", err)
	}
	size7, root7 := c.Checkpoint()
	if size7 != 7 {
		t.Fatalf("Checkpoint() size = %d, want 7", size7)
	}
	// Syncing again is a noop.
	if err := c.Sync(ctx, snapshot(ctx, t, s)); err != nil {
		t.Fatalf("Sync(): %v", err)
	}
	if size, root := c.Checkpoint(); size != 7 || !bytes.Equal(root, root7) {
		t.Errorf("Checkpoint() after resync = %d, %x; want %d, %x", size, root, size7, root7)
	}

	// An independent tree over the same entries has the same root.
	fresh := NewCommitment()
	if err := fresh.Sync(ctx, snapshot(ctx, t, s)); err != nil {
		t.Fatalf("Sync(): %v", err)
	}
	if _, root := fresh.Checkpoint(); !bytes.Equal(root, root7) {
		t.Errorf("fresh Checkpoint() root = %x, want %x", root, root7)
	}

	stale := snapshot(ctx, t, s)
	if err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.RegistryTX) error {
		_, err := Append(ctx, tx, []byte("root-7"), 2000, 100)
		return err
	}); err != nil {
		t.Fatalf("Append(): %v", err)
	}
	if err := c.Sync(ctx, snapshot(ctx, t, s)); err != nil {
		t.Fatalf("Sync(): %v", err)
	}
	size8, root8 := c.Checkpoint()
	if size8 != 8 || bytes.Equal(root8, root7) {
		t.Errorf("Checkpoint() = %d, %x; want size 8 and a new root", size8, root8)
	}
	// A snapshot from before the append is behind the tree and syncs as a
	// noop.
	if err := c.Sync(ctx, stale); err != nil {
		t.Errorf("Sync(stale): %v", err)
	}
	if size, root := c.Checkpoint(); size != 8 || !bytes.Equal(root, root8) {
		t.Errorf("Checkpoint() after stale sync = %d, %x; want 8, %x", size, root, root8)
	}
	if got, err := c.RootAt(7); err != nil || !bytes.Equal(got, root7) {
		t.Errorf("RootAt(7) = %x, %v; want %x", got, err, root7)
	}
	p, err := c.ConsistencyProof(7, 8)
	if err != nil {
		t.Fatalf("ConsistencyProof(7, 8): %v", err)
	}
	if err := VerifyConsistency(7, 8, root7, root8, p); err != nil {
		t.Errorf("VerifyConsistency(7, 8): %v", err)
	}
}

func TestCommitmentInclusion(t *testing.T) {
	ctx := context.Background()
	s := newHistory(ctx, t, entries(13)...)
	tx := snapshot(ctx, t, s)
	c := NewCommitment()
	if err := c.Sync(ctx, tx); err != nil {
		t.Fatalf("Sync(): %v", err)
	}
	all, err := Range(ctx, tx, 0, 12)
	if err != nil {
		t.Fatalf("Range(): %v", err)
	}
	for _, size := range []uint64{1, 5, 8, 13} {
		root, err := c.RootAt(size)
		if err != nil {
			t.Fatalf("RootAt(%d): %v", size, err)
		}
		for _, e := range all[:size] {
			p, err := c.InclusionProof(e.Sequence, size)
			if err != nil {
				t.Fatalf("InclusionProof(%d, %d): %v", e.Sequence, size, err)
			}
			if err := VerifyInclusion(e, size, root, p); err != nil {
				t.Errorf("VerifyInclusion(%d, %d): %v", e.Sequence, size, err)
			}
			forged := *e
			forged.Block++
			if err := VerifyInclusion(&forged, size, root, p); err == nil {
				t.Errorf("VerifyInclusion(forged %d, %d): got nil error", e.Sequence, size)
			}
		}
	}
	if _, err := c.InclusionProof(13, 13); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("InclusionProof(13, 13): %v, want ErrIndexOutOfRange", err)
	}
	if _, err := c.InclusionProof(0, 14); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("InclusionProof(0, 14): %v, want ErrIndexOutOfRange", err)
	}
}

func TestVerifyInclusionRejectsWrongIndex(t *testing.T) {
	ctx := context.Background()
	tx := snapshot(ctx, t, newHistory(ctx, t, entries(4)...))
	c := NewCommitment()
	if err := c.Sync(ctx, tx); err != nil {
		t.Fatalf("Sync(): %v", err)
	}
	size, root := c.Checkpoint()
	p, err := c.InclusionProof(1, size)
	if err != nil {
		t.Fatalf("InclusionProof(): %v", err)
	}
	e, err := tx.RootAt(ctx, 1)
	if err != nil {
		t.Fatalf("RootAt(1): %v", err)
	}
	moved := &types.StateRoot{RootHash: e.RootHash, TimestampNanos: e.TimestampNanos, Block: e.Block, Sequence: 2}
	if err := VerifyInclusion(moved, size, root, p); err == nil {
		t.Error("VerifyInclusion() with wrong sequence: got nil error")
	}
}
