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
	"bytes"
	"fmt"
	"sync"

	"github.com/google/idstate/history"
)

// Checkpoint is a commitment to the first Size entries of a root history.
type Checkpoint struct {
	Size uint64
	Root []byte
}

// CheckpointTracker holds the latest checkpoint a client has verified, and
// only moves forward to checkpoints consistent with it.
type CheckpointTracker struct {
	mu      sync.Mutex
	trusted Checkpoint
}

// NewCheckpointTracker returns a tracker starting from trusted, which may be
// the zero Checkpoint.
func NewCheckpointTracker(trusted Checkpoint) *CheckpointTracker {
	return &CheckpointTracker{trusted: trusted}
}

// Trusted returns the latest verified checkpoint.
func (t *CheckpointTracker) Trusted() Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trusted
}

// Update verifies that cp extends the trusted checkpoint using the given
// consistency proof, and if so trusts cp. If the trusted checkpoint is
// empty no proof is needed.
func (t *CheckpointTracker) Update(cp Checkpoint, consistency [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.trusted
	switch {
	case cp.Size < cur.Size:
		return fmt.Errorf("client: checkpoint size %d is older than trusted size %d", cp.Size, cur.Size)
	case cp.Size == cur.Size:
		if !bytes.Equal(cp.Root, cur.Root) {
			return fmt.Errorf("client: checkpoint root %x differs from trusted root %x at size %d", cp.Root, cur.Root, cp.Size)
		}
		return nil
	case cur.Size > 0:
		if err := history.VerifyConsistency(cur.Size, cp.Size, cur.Root, cp.Root, consistency); err != nil {
			return fmt.Errorf("client: checkpoint %d is not consistent with trusted %d: %v", cp.Size, cur.Size, err)
		}
	}
	t.trusted = Checkpoint{Size: cp.Size, Root: append([]byte(nil), cp.Root...)}
	return nil
}
