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

package verifier

import (
	"context"
	"math/big"
	"testing"
)

func TestStubs(t *testing.T) {
	ctx := context.Background()
	st := Statement{ID: big.NewInt(1), OldState: big.NewInt(0), NewState: big.NewInt(2), IsOldStateGenesis: true}
	for _, tc := range []struct {
		desc string
		v    ProofVerifier
		want bool
	}{
		{desc: "accept", v: AcceptAll, want: true},
		{desc: "reject", v: RejectAll, want: false},
		{desc: "func", v: Func(func(_ context.Context, proof []byte, st Statement) (bool, error) {
			return string(proof) == "ok" && st.NewState.Int64() == 2, nil
		}), want: true},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := tc.v.Verify(ctx, []byte("ok"), st)
			if err != nil {
				t.Fatalf("Verify(): %v", err)
			}
			if got != tc.want {
				t.Errorf("Verify() = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestStatementString(t *testing.T) {
	st := Statement{ID: big.NewInt(7), OldState: big.NewInt(1), NewState: big.NewInt(2)}
	if got, want := st.String(), "{id: 7, 1 -> 2, genesis: false}"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
