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

// Package verifier defines the zero-knowledge proof check that gates every
// identity state transition. The proof system itself lives outside this
// module.
package verifier

//go:generate mockgen -self_package github.com/google/idstate/verifier -package verifier -destination mock_verifier.go github.com/google/idstate/verifier ProofVerifier

import (
	"context"
	"fmt"
	"math/big"
)

// Statement is the public input of a transition proof.
type Statement struct {
	ID                *big.Int
	OldState          *big.Int
	NewState          *big.Int
	IsOldStateGenesis bool
}

func (s Statement) String() string {
	return fmt.Sprintf("{id: %v, %v -> %v, genesis: %t}", s.ID, s.OldState, s.NewState, s.IsOldStateGenesis)
}

// ProofVerifier checks transition proofs. Verify returns false for a proof
// that does not prove st, and an error only if the check could not be made.
type ProofVerifier interface {
	Verify(ctx context.Context, proof []byte, st Statement) (bool, error)
}

// Func adapts a function to a ProofVerifier.
type Func func(ctx context.Context, proof []byte, st Statement) (bool, error)

// Verify calls f.
func (f Func) Verify(ctx context.Context, proof []byte, st Statement) (bool, error) {
	return f(ctx, proof, st)
}

// AcceptAll accepts every proof. For testing and trusted replays only.
var AcceptAll ProofVerifier = Func(func(context.Context, []byte, Statement) (bool, error) { return true, nil })

// RejectAll rejects every proof.
var RejectAll ProofVerifier = Func(func(context.Context, []byte, Statement) (bool, error) { return false, nil })
