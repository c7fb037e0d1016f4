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

// Package testonly holds test-specific code for registry storage
// implementations.
package testonly

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/idstate/storage"
	"github.com/google/idstate/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var bigIntCmp = cmp.Comparer(func(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
})

// RegistryStorageTester runs a suite of tests against RegistryStorage
// implementations.
type RegistryStorageTester struct {
	// NewRegistryStorage returns a RegistryStorage instance pointing to a
	// clean test database.
	NewRegistryStorage func(t *testing.T) storage.RegistryStorage
}

// RunAllTests runs all RegistryStorage tests.
func (tester *RegistryStorageTester) RunAllTests(t *testing.T) {
	t.Run("TestNodes", tester.TestNodes)
	t.Run("TestRoots", tester.TestRoots)
	t.Run("TestIdentities", tester.TestIdentities)
	t.Run("TestRollback", tester.TestRollback)
	t.Run("TestClosedTX", tester.TestClosedTX)
}

func write(ctx context.Context, t *testing.T, s storage.RegistryStorage, f storage.RegistryTXFunc) {
	t.Helper()
	if err := s.ReadWriteTransaction(ctx, f); err != nil {
		t.Fatalf("ReadWriteTransaction(): %v", err)
	}
}

func read(ctx context.Context, t *testing.T, s storage.RegistryStorage, f func(tx storage.ReadOnlyRegistryTX)) {
	t.Helper()
	tx, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot(): %v", err)
	}
	defer tx.Close()
	f(tx)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit(): %v", err)
	}
}

func checkNotFound(t *testing.T, op string, err error) {
	t.Helper()
	if !errors.Is(err, storage.ErrNotFound) || status.Code(err) != codes.NotFound {
		t.Errorf("%s: %v, want ErrNotFound", op, err)
	}
}

// TestNodes tests the content-addressed node store.
func (tester *RegistryStorageTester) TestNodes(t *testing.T) {
	ctx := context.Background()
	s := tester.NewRegistryStorage(t)
	h1, h2 := []byte("hash-1"), []byte("hash-2")

	read(ctx, t, s, func(tx storage.ReadOnlyRegistryTX) {
		_, err := tx.GetNode(ctx, h1)
		checkNotFound(t, "GetNode(h1)", err)
	})
	write(ctx, t, s, func(ctx context.Context, tx storage.RegistryTX) error {
		if err := tx.PutNode(ctx, h1, []byte("node-1")); err != nil {
			return err
		}
		// Visible within the same transaction.
		if got, err := tx.GetNode(ctx, h1); err != nil || string(got) != "node-1" {
			t.Errorf("GetNode(h1) in TX: %q, %v", got, err)
		}
		return tx.PutNode(ctx, h2, []byte("node-2"))
	})
	// Re-putting an existing node is a no-op.
	write(ctx, t, s, func(ctx context.Context, tx storage.RegistryTX) error {
		return tx.PutNode(ctx, h1, []byte("node-1"))
	})
	read(ctx, t, s, func(tx storage.ReadOnlyRegistryTX) {
		for h, want := range map[string]string{"hash-1": "node-1", "hash-2": "node-2"} {
			got, err := tx.GetNode(ctx, []byte(h))
			if err != nil {
				t.Errorf("GetNode(%s): %v", h, err)
				continue
			}
			if string(got) != want {
				t.Errorf("GetNode(%s): %q, want %q", h, got, want)
			}
		}
	})
}

// TestRoots tests the root history log.
func (tester *RegistryStorageTester) TestRoots(t *testing.T) {
	ctx := context.Background()
	s := tester.NewRegistryStorage(t)
	roots := []*types.StateRoot{
		{RootHash: []byte("root-a"), TimestampNanos: 100, Block: 10, Sequence: 0},
		{RootHash: []byte("root-b"), TimestampNanos: 200, Block: 20, Sequence: 1},
		{RootHash: []byte("root-a"), TimestampNanos: 300, Block: 30, Sequence: 2},
	}

	read(ctx, t, s, func(tx storage.ReadOnlyRegistryTX) {
		if n, err := tx.RootCount(ctx); err != nil || n != 0 {
			t.Errorf("RootCount(): %d, %v; want 0", n, err)
		}
		_, err := tx.RootAt(ctx, 0)
		checkNotFound(t, "RootAt(0)", err)
	})
	for _, r := range roots {
		r := r
		write(ctx, t, s, func(ctx context.Context, tx storage.RegistryTX) error {
			return tx.AppendRoot(ctx, r)
		})
	}
	if err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.RegistryTX) error {
		return tx.AppendRoot(ctx, &types.StateRoot{RootHash: []byte("x"), Sequence: 7})
	}); err == nil {
		t.Error("AppendRoot(sequence gap): got nil error")
	}

	read(ctx, t, s, func(tx storage.ReadOnlyRegistryTX) {
		if n, err := tx.RootCount(ctx); err != nil || n != 3 {
			t.Errorf("RootCount(): %d, %v; want 3", n, err)
		}
		for _, want := range roots {
			got, err := tx.RootAt(ctx, want.Sequence)
			if err != nil {
				t.Fatalf("RootAt(%d): %v", want.Sequence, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("RootAt(%d) diff (-want +got):\n%s", want.Sequence, diff)
			}
		}
		got, err := tx.RootsInRange(ctx, 1, 2)
		if err != nil {
			t.Fatalf("RootsInRange(1, 2): %v", err)
		}
		if diff := cmp.Diff(roots[1:], got); diff != "" {
			t.Errorf("RootsInRange(1, 2) diff (-want +got):\n%s", diff)
		}
		for _, r := range [][2]uint64{{0, 3}, {2, 1}} {
			if _, err := tx.RootsInRange(ctx, r[0], r[1]); status.Code(err) != codes.OutOfRange {
				t.Errorf("RootsInRange(%d, %d): %v, want OutOfRange", r[0], r[1], err)
			}
		}
		latest, err := tx.LatestRootWithHash(ctx, []byte("root-a"))
		if err != nil {
			t.Fatalf("LatestRootWithHash(root-a): %v", err)
		}
		if got, want := latest.Sequence, uint64(2); got != want {
			t.Errorf("LatestRootWithHash(root-a).Sequence = %d, want %d", got, want)
		}
		_, err = tx.LatestRootWithHash(ctx, []byte("root-z"))
		checkNotFound(t, "LatestRootWithHash(root-z)", err)
	})
}

// TestIdentities tests identity record storage.
func (tester *RegistryStorageTester) TestIdentities(t *testing.T) {
	ctx := context.Background()
	s := tester.NewRegistryStorage(t)
	id := new(big.Int).Lsh(big.NewInt(3), 200)
	rec := &types.IdentityRecord{ID: id, LatestState: big.NewInt(11), LastBlock: 10, LastTimestampNanos: 1000, Transitions: 1}

	read(ctx, t, s, func(tx storage.ReadOnlyRegistryTX) {
		_, err := tx.GetIdentity(ctx, id)
		checkNotFound(t, "GetIdentity()", err)
	})
	write(ctx, t, s, func(ctx context.Context, tx storage.RegistryTX) error {
		return tx.SetIdentity(ctx, rec)
	})
	updated := *rec
	updated.LatestState, updated.LastBlock, updated.Transitions = big.NewInt(12), 20, 2
	read(ctx, t, s, func(tx storage.ReadOnlyRegistryTX) {
		got, err := tx.GetIdentity(ctx, id)
		if err != nil {
			t.Fatalf("GetIdentity(): %v", err)
		}
		if diff := cmp.Diff(rec, got, bigIntCmp); diff != "" {
			t.Errorf("GetIdentity() diff (-want +got):\n%s", diff)
		}
	})
	write(ctx, t, s, func(ctx context.Context, tx storage.RegistryTX) error {
		return tx.SetIdentity(ctx, &updated)
	})
	read(ctx, t, s, func(tx storage.ReadOnlyRegistryTX) {
		got, err := tx.GetIdentity(ctx, id)
		if err != nil {
			t.Fatalf("GetIdentity(): %v", err)
		}
		if diff := cmp.Diff(&updated, got, bigIntCmp); diff != "" {
			t.Errorf("GetIdentity() after update diff (-want +got):\n%s", diff)
		}
	})
}

// TestRollback checks that a failed transaction leaves no trace.
func (tester *RegistryStorageTester) TestRollback(t *testing.T) {
	ctx := context.Background()
	s := tester.NewRegistryStorage(t)
	errAbort := errors.New("abort")
	err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.RegistryTX) error {
		if err := tx.PutNode(ctx, []byte("h"), []byte("n")); err != nil {
			return err
		}
		if err := tx.AppendRoot(ctx, &types.StateRoot{RootHash: []byte("r")}); err != nil {
			return err
		}
		if err := tx.SetIdentity(ctx, &types.IdentityRecord{ID: big.NewInt(1), LatestState: big.NewInt(1)}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("ReadWriteTransaction(): %v, want %v", err, errAbort)
	}
	read(ctx, t, s, func(tx storage.ReadOnlyRegistryTX) {
		_, err := tx.GetNode(ctx, []byte("h"))
		checkNotFound(t, "GetNode()", err)
		if n, err := tx.RootCount(ctx); err != nil || n != 0 {
			t.Errorf("RootCount(): %d, %v; want 0", n, err)
		}
		_, err = tx.GetIdentity(ctx, big.NewInt(1))
		checkNotFound(t, "GetIdentity()", err)
	})
}

// TestClosedTX checks that transactions cannot be used after Commit.
func (tester *RegistryStorageTester) TestClosedTX(t *testing.T) {
	ctx := context.Background()
	s := tester.NewRegistryStorage(t)
	tx, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot(): %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit(): %v", err)
	}
	if _, err := tx.RootCount(ctx); err == nil {
		t.Error("RootCount() after Commit: got nil error")
	}
	if err := tx.Close(); err != nil {
		t.Errorf("Close() after Commit: %v", err)
	}
}
