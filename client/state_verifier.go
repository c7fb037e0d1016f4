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

// Package client verifies registry output on behalf of parties that do not
// trust the registry operator.
package client

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/idstate/config"
	"github.com/google/idstate/history"
	"github.com/google/idstate/merkle/hashers"
	"github.com/google/idstate/registry"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StateVerifier verifies state proofs from a registry; it is safe for
// concurrent use (as its contents are fixed after construction).
type StateVerifier struct {
	// Hasher is the node hash strategy of the registry's tree.
	Hasher hashers.Hasher
}

// NewStateVerifier returns a StateVerifier using hasher h.
func NewStateVerifier(h hashers.Hasher) *StateVerifier {
	return &StateVerifier{Hasher: h}
}

// NewStateVerifierFromConfig creates a StateVerifier for a registry with
// the given configuration.
func NewStateVerifierFromConfig(cfg *config.Config) (*StateVerifier, error) {
	if cfg == nil {
		return nil, errors.New("client: NewStateVerifierFromConfig(): nil config")
	}
	s, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}
	h, err := hashers.New(s)
	if err != nil {
		return nil, fmt.Errorf("failed creating Hasher: %w", err)
	}
	return NewStateVerifier(h), nil
}

// VerifyStateProof checks p against the root of its own history entry and
// returns the proven state, which is nil if the identity had none.
func (v *StateVerifier) VerifyStateProof(p *registry.StateProof) (*big.Int, error) {
	if p == nil || p.Proof == nil {
		return nil, status.Error(codes.InvalidArgument, "client: empty state proof")
	}
	if err := p.Verify(v.Hasher); err != nil {
		return nil, err
	}
	return p.State(), nil
}

// VerifyStateProofAt checks p against a root the caller already trusts.
func (v *StateVerifier) VerifyStateProofAt(rootHash []byte, p *registry.StateProof) (*big.Int, error) {
	if p == nil || p.Entry == nil {
		return nil, status.Error(codes.InvalidArgument, "client: state proof without history entry")
	}
	if !bytes.Equal(p.Entry.RootHash, rootHash) {
		return nil, status.Errorf(codes.FailedPrecondition, "client: proof is against root %x, want %x", p.Entry.RootHash, rootHash)
	}
	return v.VerifyStateProof(p)
}

// VerifyStateProofInCheckpoint checks that p's history entry is committed to
// by a trusted checkpoint, given its inclusion proof, and then checks p.
func (v *StateVerifier) VerifyStateProofInCheckpoint(cp Checkpoint, inclusion [][]byte, p *registry.StateProof) (*big.Int, error) {
	if p == nil || p.Entry == nil {
		return nil, status.Error(codes.InvalidArgument, "client: state proof without history entry")
	}
	if err := history.VerifyInclusion(p.Entry, cp.Size, cp.Root, inclusion); err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "client: entry %d not in checkpoint of size %d: %v", p.Entry.Sequence, cp.Size, err)
	}
	return v.VerifyStateProof(p)
}

// VerifyStateProofs verifies proofs for several identities, all against the
// trusted root, and returns their states in order.
func (v *StateVerifier) VerifyStateProofs(rootHash []byte, proofs []*registry.StateProof) ([]*big.Int, error) {
	states := make([]*big.Int, len(proofs))
	var g errgroup.Group
	for i, p := range proofs {
		i, p := i, p
		g.Go(func() error {
			s, err := v.VerifyStateProofAt(rootHash, p)
			if err != nil {
				return err
			}
			states[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, status.Errorf(status.Code(err), "client: VerifyStateProofs(): %v", err)
	}
	return states, nil
}
