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

package client

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/google/idstate/config"
	"github.com/google/idstate/merkle/smt"
	"github.com/google/idstate/registry"
	"github.com/google/idstate/storage/memory"
	"github.com/google/idstate/types"
	"github.com/google/idstate/util/clock"
	"github.com/google/idstate/verifier"
)

// newTestRegistry returns a registry holding identities 1 to n, each moved
// from genesis to state 100+id in its own block.
func newTestRegistry(ctx context.Context, t *testing.T, n int64) (*registry.Registry, *clock.FakeLedger) {
	t.Helper()
	cfg := config.Default()
	cfg.TreeDepth = 24
	tree, err := registry.NewTree(cfg)
	if err != nil {
		t.Fatalf("NewTree(): %v", err)
	}
	ledger := clock.NewFake(time.Unix(1, 0), 1)
	r, err := registry.New(registry.Options{Tree: tree, Storage: memory.NewRegistryStorage(nil), Verifier: verifier.AcceptAll, Ledger: ledger})
	if err != nil {
		t.Fatalf("registry.New(): %v", err)
	}
	for id := int64(1); id <= n; id++ {
		req := &registry.TransitionRequest{ID: big.NewInt(id), OldState: big.NewInt(0), NewState: big.NewInt(100 + id), IsOldStateGenesis: true}
		if _, err := r.Transition(ctx, req); err != nil {
			t.Fatalf("Transition(%d): %v", id, err)
		}
		ledger.Advance(time.Second, 1)
	}
	return r, ledger
}

func newVerifier(t *testing.T) *StateVerifier {
	t.Helper()
	v, err := NewStateVerifierFromConfig(config.Default())
	if err != nil {
		t.Fatalf("NewStateVerifierFromConfig(): %v", err)
	}
	return v
}

func TestVerifyStateProof(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(ctx, t, 4)
	v := newVerifier(t)
	root, err := r.CurrentRoot(ctx)
	if err != nil {
		t.Fatalf("CurrentRoot(): %v", err)
	}

	for _, tc := range []struct {
		desc    string
		id      int64
		block   uint64
		want    *big.Int
		tamper  func(*registry.StateProof)
		wantErr bool
	}{
		{desc: "present", id: 3, block: 10, want: big.NewInt(103)},
		{desc: "absent-later", id: 4, block: 3, want: nil},
		{desc: "absent-never", id: 77, block: 10, want: nil},
		{
			desc: "wrong-id", id: 2, block: 10,
			tamper:  func(p *registry.StateProof) { p.ID = big.NewInt(1) },
			wantErr: true,
		},
		{
			desc: "wrong-value", id: 2, block: 10,
			tamper:  func(p *registry.StateProof) { p.Proof.Leaf = smt.NewLeaf(big.NewInt(2), big.NewInt(999)) },
			wantErr: true,
		},
		{
			desc: "wrong-root", id: 2, block: 10,
			tamper:  func(p *registry.StateProof) { p.Entry = &types.StateRoot{RootHash: make([]byte, 32)} },
			wantErr: true,
		},
		{
			desc: "no-entry", id: 2, block: 10,
			tamper:  func(p *registry.StateProof) { p.Entry = nil },
			wantErr: true,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			p, err := r.HistoricalProofByBlock(ctx, big.NewInt(tc.id), tc.block)
			if err != nil {
				t.Fatalf("HistoricalProofByBlock(): %v", err)
			}
			if tc.tamper != nil {
				tc.tamper(p)
			}
			got, err := v.VerifyStateProof(p)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("VerifyStateProof(): %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if (got == nil) != (tc.want == nil) || (got != nil && got.Cmp(tc.want) != 0) {
				t.Errorf("VerifyStateProof() = %v, want %v", got, tc.want)
			}
		})
	}

	p, err := r.HistoricalProofByBlock(ctx, big.NewInt(1), 1)
	if err != nil {
		t.Fatalf("HistoricalProofByBlock(): %v", err)
	}
	if _, err := v.VerifyStateProofAt(root, p); err == nil {
		t.Error("VerifyStateProofAt(current root) accepted a proof against an older root")
	}
	if _, err := v.VerifyStateProofAt(p.Entry.RootHash, p); err != nil {
		t.Errorf("VerifyStateProofAt(): %v", err)
	}
}

func TestVerifyStateProofs(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(ctx, t, 6)
	v := newVerifier(t)
	root, err := r.CurrentRoot(ctx)
	if err != nil {
		t.Fatalf("CurrentRoot(): %v", err)
	}
	var proofs []*registry.StateProof
	for id := int64(1); id <= 8; id++ {
		p, err := r.HistoricalProofByRoot(ctx, big.NewInt(id), root)
		if err != nil {
			t.Fatalf("HistoricalProofByRoot(%d): %v", id, err)
		}
		proofs = append(proofs, p)
	}
	states, err := v.VerifyStateProofs(root, proofs)
	if err != nil {
		t.Fatalf("VerifyStateProofs(): %v", err)
	}
	for i, s := range states {
		id := int64(i + 1)
		if id > 6 {
			if s != nil {
				t.Errorf("state of %d = %v, want nil", id, s)
			}
			continue
		}
		if s == nil || s.Int64() != 100+id {
			t.Errorf("state of %d = %v, want %d", id, s, 100+id)
		}
	}

	old, err := r.HistoricalProofByBlock(ctx, big.NewInt(1), 2)
	if err != nil {
		t.Fatalf("HistoricalProofByBlock(): %v", err)
	}
	if _, err := v.VerifyStateProofs(root, append(proofs, old)); err == nil {
		t.Error("VerifyStateProofs() accepted a proof against another root")
	}
}

func TestVerifyStateProofInCheckpoint(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(ctx, t, 5)
	v := newVerifier(t)
	size, root, err := r.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint(): %v", err)
	}
	cp := Checkpoint{Size: size, Root: root}

	p, err := r.HistoricalProofByBlock(ctx, big.NewInt(2), 3)
	if err != nil {
		t.Fatalf("HistoricalProofByBlock(): %v", err)
	}
	incl, err := r.HistoryInclusionProof(ctx, p.Entry.Sequence, size)
	if err != nil {
		t.Fatalf("HistoryInclusionProof(): %v", err)
	}
	got, err := v.VerifyStateProofInCheckpoint(cp, incl, p)
	if err != nil {
		t.Fatalf("VerifyStateProofInCheckpoint(): %v", err)
	}
	if got.Int64() != 102 {
		t.Errorf("VerifyStateProofInCheckpoint() = %v, want 102", got)
	}

	// An entry which is not at the claimed position fails.
	moved := *p.Entry
	moved.Sequence++
	p.Entry = &moved
	if _, err := v.VerifyStateProofInCheckpoint(cp, incl, p); err == nil {
		t.Error("VerifyStateProofInCheckpoint() accepted a moved entry")
	}
}
