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

package migration

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/idstate/registry"
	"github.com/google/idstate/types"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentChunks bounds the range reads in flight per history.
const maxConcurrentChunks = 8

// History is a readable root history.
type History interface {
	RootHistoryLength(ctx context.Context) (uint64, error)
	RootHistoryRange(ctx context.Context, from, to uint64) ([]*types.StateRoot, error)
}

var _ History = (*registry.Registry)(nil)

// DivergenceError reports the first index at which two histories differ.
// A or B is nil where that history has no entry at Index.
type DivergenceError struct {
	Index uint64
	A, B  *types.StateRoot
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("migration: histories diverge at entry %d: %+v != %+v", e.Index, e.A, e.B)
}

func sameEntry(a, b *types.StateRoot) bool {
	return bytes.Equal(a.RootHash, b.RootHash) &&
		a.TimestampNanos == b.TimestampNanos &&
		a.Block == b.Block &&
		a.Sequence == b.Sequence
}

// CompareHistories checks that a and b hold the same entries, reading them
// in chunks of the given size concurrently. It returns a *DivergenceError
// for the first differing entry, or nil if the histories are equal.
func CompareHistories(ctx context.Context, a, b History, chunk uint64) error {
	if err := checkPageSize(chunk); err != nil {
		return err
	}
	lenA, err := a.RootHistoryLength(ctx)
	if err != nil {
		return err
	}
	lenB, err := b.RootHistoryLength(ctx)
	if err != nil {
		return err
	}
	common := lenA
	if lenB < common {
		common = lenB
	}

	var mu sync.Mutex
	var first *DivergenceError
	found := func(d *DivergenceError) {
		mu.Lock()
		defer mu.Unlock()
		if first == nil || d.Index < first.Index {
			first = d
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChunks)
	for from := uint64(0); from < common; from += chunk {
		from := from
		to := from + chunk - 1
		if to >= common {
			to = common - 1
		}
		g.Go(func() error {
			ea, err := a.RootHistoryRange(gCtx, from, to)
			if err != nil {
				return err
			}
			eb, err := b.RootHistoryRange(gCtx, from, to)
			if err != nil {
				return err
			}
			if len(ea) != len(eb) {
				return fmt.Errorf("migration: range [%d, %d] returned %d and %d entries", from, to, len(ea), len(eb))
			}
			for i := range ea {
				if !sameEntry(ea[i], eb[i]) {
					found(&DivergenceError{Index: from + uint64(i), A: ea[i], B: eb[i]})
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if first != nil {
		return first
	}
	if lenA == lenB {
		return nil
	}
	d := &DivergenceError{Index: common}
	rest, err := longer(ctx, a, b, lenA, lenB, common)
	if err != nil {
		return err
	}
	if lenA > lenB {
		d.A = rest
	} else {
		d.B = rest
	}
	return d
}

// longer returns the entry at index of the longer history.
func longer(ctx context.Context, a, b History, lenA, lenB, index uint64) (*types.StateRoot, error) {
	h := a
	if lenB > lenA {
		h = b
	}
	es, err := h.RootHistoryRange(ctx, index, index)
	if err != nil {
		return nil, err
	}
	return es[0], nil
}
