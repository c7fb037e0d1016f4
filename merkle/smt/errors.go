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
	"fmt"
	"math/big"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnknownRoot is returned when a node reachable from a requested root
	// is missing from the node store or fails its hash check. For any root the
	// tree has produced this indicates corruption, so it must not be retried.
	ErrUnknownRoot = status.Error(codes.DataLoss, "smt: unknown root")
	// ErrPathCollision is returned when two distinct keys share all path bits,
	// so the tree depth is too small for the key space in use.
	ErrPathCollision = status.Error(codes.Internal, "smt: keys collide at maximum depth")
	// ErrProofMismatch is returned by VerifyProof when a proof does not
	// reproduce the expected root.
	ErrProofMismatch = status.Error(codes.InvalidArgument, "smt: proof does not match root")
)

// maxKeyBits is the bit width of keys and values.
const maxKeyBits = 256

// CheckKey returns an InvalidArgument error unless k is a non-negative
// integer of at most 256 bits.
func CheckKey(name string, k *big.Int) error {
	switch {
	case k == nil:
		return status.Errorf(codes.InvalidArgument, "%s is nil", name)
	case k.Sign() < 0:
		return status.Errorf(codes.InvalidArgument, "%s %v is negative", name, k)
	case k.BitLen() > maxKeyBits:
		return status.Errorf(codes.InvalidArgument, "%s has %d bits, want at most %d", name, k.BitLen(), maxKeyBits)
	}
	return nil
}

func unknownNode(hash []byte, format string, args ...interface{}) error {
	return fmt.Errorf("%w: node %x: %s", ErrUnknownRoot, hash, fmt.Sprintf(format, args...))
}
