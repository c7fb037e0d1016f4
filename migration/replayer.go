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

// Package migration rebuilds a registry from the legacy transition log.
//
// Records are replayed in log order without proof checks. A replay may be
// interrupted and restarted from the page it was on: records which are
// already reflected in the registry are skipped.
package migration

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/idstate/monitoring"
	"github.com/google/idstate/registry"
	"github.com/google/idstate/types"
	"github.com/google/idstate/util/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

var (
	// ErrBlockRegression is returned for a record whose block is before the
	// block of the record replayed ahead of it.
	ErrBlockRegression = status.Error(codes.FailedPrecondition, "migration: legacy log goes back in blocks")
	// ErrConflictingRecord is returned for a record in the same block as the
	// identity's last transition but with a different state.
	ErrConflictingRecord = status.Error(codes.FailedPrecondition, "migration: conflicting transition in block")
)

var (
	once           sync.Once
	recordsApplied monitoring.Counter
	recordsSkipped monitoring.Counter
	pagesRead      monitoring.Counter
)

func createMetrics(mf monitoring.MetricFactory) {
	recordsApplied = mf.NewCounter("migration_records_applied", "Number of legacy records applied to the registry")
	recordsSkipped = mf.NewCounter("migration_records_skipped", "Number of legacy records skipped as already applied")
	pagesRead = mf.NewCounter("migration_pages_read", "Number of legacy log pages read")
}

// Target is the registry being rebuilt.
type Target interface {
	Identity(ctx context.Context, id *big.Int) (*types.IdentityRecord, error)
	ApplyTrusted(ctx context.Context, lt types.LegacyTransition) (*types.StateRoot, error)
}

var _ Target = (*registry.Registry)(nil)

// ReplayError reports the record a replay halted on.
type ReplayError struct {
	// Index is the position of the record in the legacy log.
	Index  uint64
	Page   uint64
	Record types.LegacyTransition
	Err    error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("migration: record %d (page %d) %v: %v", e.Index, e.Page, e.Record, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// Progress describes how far a replay got.
type Progress struct {
	// NextPage is the page to resume from. After a halt it is the page of
	// the failing record.
	NextPage uint64
	Applied  uint64
	Skipped  uint64
}

// Replayer drives legacy records into a Target.
type Replayer struct {
	target   Target
	src      LegacySource
	pageSize uint64
	// bo paces retries of page reads failing with transient errors.
	bo *backoff.Backoff
}

// NewReplayer returns a Replayer reading src in pages of pageSize records.
func NewReplayer(target Target, src LegacySource, pageSize uint64, mf monitoring.MetricFactory) (*Replayer, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	once.Do(func() { createMetrics(mf) })
	return &Replayer{target: target, src: src, pageSize: pageSize, bo: backoff.Default()}, nil
}

// Run replays the log from startPage to its end. On a halt it returns a
// *ReplayError along with the progress made, all of which is committed.
func (r *Replayer) Run(ctx context.Context, startPage uint64) (Progress, error) {
	prog := Progress{NextPage: startPage}
	var lastBlock uint64
	for page := startPage; ; page++ {
		if err := ctx.Err(); err != nil {
			return prog, err
		}
		var recs []types.LegacyTransition
		var more bool
		err := r.bo.Retry(ctx, func() error {
			var err error
			recs, more, err = r.src.ReadPage(ctx, page, r.pageSize)
			return err
		}, backoff.Transient...)
		if err != nil {
			return prog, fmt.Errorf("migration: reading page %d: %w", page, err)
		}
		pagesRead.Inc()
		if uint64(len(recs)) > r.pageSize {
			return prog, status.Errorf(codes.Internal, "migration: page %d has %d records, want at most %d", page, len(recs), r.pageSize)
		}
		for i, rec := range recs {
			idx := page*r.pageSize + uint64(i)
			if rec.Block < lastBlock {
				return prog, &ReplayError{Index: idx, Page: page, Record: rec,
					Err: fmt.Errorf("%w: block %d after block %d", ErrBlockRegression, rec.Block, lastBlock)}
			}
			lastBlock = rec.Block
			applied, err := r.replay(ctx, rec)
			if err != nil {
				return prog, &ReplayError{Index: idx, Page: page, Record: rec, Err: err}
			}
			if applied {
				prog.Applied++
				recordsApplied.Inc()
			} else {
				prog.Skipped++
				recordsSkipped.Inc()
			}
		}
		prog.NextPage = page + 1
		if len(recs) == 0 && more {
			klog.V(1).Infof("migration: page %d is empty", page)
		}
		if !more {
			klog.Infof("migration: replay done at page %d: %d applied, %d skipped", page, prog.Applied, prog.Skipped)
			return prog, nil
		}
	}
}

// replay applies rec unless the registry already reflects it, and reports
// whether it was applied.
func (r *Replayer) replay(ctx context.Context, rec types.LegacyTransition) (bool, error) {
	cur, err := r.target.Identity(ctx, rec.ID)
	switch {
	case errors.Is(err, registry.ErrIdentityNotFound):
		cur = nil
	case err != nil:
		return false, err
	}
	if cur != nil {
		switch {
		case rec.Block < cur.LastBlock:
			return false, nil
		case rec.Block == cur.LastBlock && rec.State.Cmp(cur.LatestState) == 0:
			return false, nil
		case rec.Block == cur.LastBlock:
			return false, fmt.Errorf("%w: identity %v is at state %v in block %d", ErrConflictingRecord, rec.ID, cur.LatestState, rec.Block)
		}
	}
	if _, err := r.target.ApplyTrusted(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}
