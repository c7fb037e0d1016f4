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

package registry

import (
	"fmt"
	"math/big"

	"github.com/google/idstate/merkle/hashers"
	"github.com/google/idstate/merkle/smt"
	"github.com/google/idstate/types"
)

// StateProof shows the state of one identity in a recorded tree root.
type StateProof struct {
	ID *big.Int
	// Entry is the history entry whose root the proof is against.
	Entry *types.StateRoot
	Proof *smt.Proof
}

// State returns the proven state, or nil if the identity had no state at
// Entry.
func (p *StateProof) State() *big.Int {
	return p.Proof.Value()
}

// Verify checks the proof against its entry's root using h.
func (p *StateProof) Verify(h hashers.Hasher) error {
	if p.Entry == nil {
		return fmt.Errorf("registry: state proof without history entry")
	}
	return smt.VerifyProof(h, p.Entry.RootHash, p.ID, p.State(), p.Proof)
}
