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

// Package history implements the append-only log of tree roots and its
// point-in-time lookups.
//
// Every accepted tree mutation appends one StateRoot. Entries are never
// changed, and their timestamps and block heights never decrease, which
// makes the log binary searchable by either.
package history

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/idstate/storage"
	"github.com/google/idstate/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

var (
	// ErrNonMonotonic is returned when an appended root would move the
	// timestamp or block height of the history backwards.
	ErrNonMonotonic = status.Error(codes.Internal, "history: timestamp or block regression")
	// ErrNoHistoryBeforeTime is returned by FindByTime for a time preceding
	// the first entry.
	ErrNoHistoryBeforeTime = status.Error(codes.NotFound, "history: no history before time")
	// ErrNoHistoryBeforeBlock is returned by FindByBlock for a block
	// preceding the first entry.
	ErrNoHistoryBeforeBlock = status.Error(codes.NotFound, "history: no history before block")
	// ErrIndexOutOfRange is returned by Range for indices outside the log.
	ErrIndexOutOfRange = status.Error(codes.OutOfRange, "history: index out of range")
	// ErrEmptyHistory is returned by Latest when nothing has been appended.
	ErrEmptyHistory = status.Error(codes.NotFound, "history: empty")
	// ErrUnknownRoot is returned by FindByRoot for a root that was never
	// appended.
	ErrUnknownRoot = status.Error(codes.NotFound, "history: root not recorded")
)

// Writer is the storage needed to append to the history.
type Writer interface {
	storage.HistoryReader
	storage.HistoryWriter
}

// Append adds root to the end of the history, stamped with ts (unix nanos)
// and block, and returns the new entry.
func Append(ctx context.Context, w Writer, root []byte, ts, block uint64) (*types.StateRoot, error) {
	n, err := w.RootCount(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		last, err := w.RootAt(ctx, n-1)
		if err != nil {
			return nil, err
		}
		if block < last.Block || ts < last.TimestampNanos {
			return nil, fmt.Errorf("%w: entry %d at (%d, block %d), appending (%d, block %d)",
				ErrNonMonotonic, last.Sequence, last.TimestampNanos, last.Block, ts, block)
		}
	}
	e := &types.StateRoot{
		RootHash:       append([]byte(nil), root...),
		TimestampNanos: ts,
		Block:          block,
		Sequence:       n,
	}
	if err := w.AppendRoot(ctx, e); err != nil {
		return nil, err
	}
	klog.V(2).Infof("history: appended root %x as entry %d (block %d)", root, n, block)
	return e, nil
}

// Length returns the number of entries in the history.
func Length(ctx context.Context, r storage.HistoryReader) (uint64, error) {
	return r.RootCount(ctx)
}

// Latest returns the most recent entry.
func Latest(ctx context.Context, r storage.HistoryReader) (*types.StateRoot, error) {
	n, err := r.RootCount(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrEmptyHistory
	}
	return r.RootAt(ctx, n-1)
}

// FindByTime returns the latest entry with a timestamp at or before ts (unix
// nanos). A time after the last entry returns the last entry.
func FindByTime(ctx context.Context, r storage.HistoryReader, ts uint64) (*types.StateRoot, error) {
	e, err := findLast(ctx, r, func(e *types.StateRoot) bool { return e.TimestampNanos > ts })
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w %d", ErrNoHistoryBeforeTime, ts)
	}
	return e, nil
}

// FindByBlock returns the latest entry with a block at or before block. A
// block after the last entry returns the last entry.
func FindByBlock(ctx context.Context, r storage.HistoryReader, block uint64) (*types.StateRoot, error) {
	e, err := findLast(ctx, r, func(e *types.StateRoot) bool { return e.Block > block })
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w %d", ErrNoHistoryBeforeBlock, block)
	}
	return e, nil
}

// findLast returns the entry preceding the first one for which after holds,
// or nil if there is none. after must be monotonic over the history.
func findLast(ctx context.Context, r storage.HistoryReader, after func(*types.StateRoot) bool) (*types.StateRoot, error) {
	n, err := r.RootCount(ctx)
	if err != nil {
		return nil, err
	}
	// Entries read by the search, so the answer needs no extra read.
	seen := make(map[uint64]*types.StateRoot)
	var searchErr error
	i := sort.Search(int(n), func(i int) bool {
		if searchErr != nil {
			return true
		}
		e, err := r.RootAt(ctx, uint64(i))
		if err != nil {
			searchErr = err
			return true
		}
		seen[uint64(i)] = e
		return after(e)
	})
	if searchErr != nil {
		return nil, searchErr
	}
	if i == 0 {
		return nil, nil
	}
	if e, ok := seen[uint64(i-1)]; ok {
		return e, nil
	}
	return r.RootAt(ctx, uint64(i-1))
}

// FindByRoot returns the latest entry recording root.
func FindByRoot(ctx context.Context, r storage.HistoryReader, root []byte) (*types.StateRoot, error) {
	e, err := r.LatestRootWithHash(ctx, root)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %x", ErrUnknownRoot, root)
	}
	return e, err
}

// Range returns the entries with indices in [from, to].
func Range(ctx context.Context, r storage.HistoryReader, from, to uint64) ([]*types.StateRoot, error) {
	n, err := r.RootCount(ctx)
	if err != nil {
		return nil, err
	}
	if from > to || to >= n {
		return nil, fmt.Errorf("%w: [%d, %d] with length %d", ErrIndexOutOfRange, from, to, n)
	}
	return r.RootsInRange(ctx, from, to)
}
