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

package history

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/idstate/storage"
	"github.com/google/idstate/storage/memory"
	"github.com/google/idstate/types"
)

type entry struct {
	root      string
	ts, block uint64
}

// newHistory returns storage holding the given entries in order.
func newHistory(ctx context.Context, t *testing.T, entries ...entry) storage.RegistryStorage {
	t.Helper()
	s := memory.NewRegistryStorage(nil)
	for _, e := range entries {
		if err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.RegistryTX) error {
			_, err := Append(ctx, tx, []byte(e.root), e.ts, e.block)
			return err
		}); err != nil {
			t.Fatalf("Append(%v): %v", e, err)
		}
	}
	return s
}

func snapshot(ctx context.Context, t *testing.T, s storage.RegistryStorage) storage.ReadOnlyRegistryTX {
	t.Helper()
	tx, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot(): %v", err)
	}
	t.Cleanup(func() { tx.Close() })
	return tx
}

var testEntries = []entry{
	{"r0", 100, 10},
	{"r1", 200, 20},
	{"r2", 200, 20}, // Same block as r1.
	{"r3", 300, 35},
	{"r1", 400, 40}, // Root repeats.
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	s := newHistory(ctx, t, testEntries...)
	tx := snapshot(ctx, t, s)
	n, err := Length(ctx, tx)
	if err != nil {
		t.Fatalf("Length(): %v", err)
	}
	if got, want := n, uint64(len(testEntries)); got != want {
		t.Errorf("Length() = %d, want %d", got, want)
	}
	got, err := Latest(ctx, tx)
	if err != nil {
		t.Fatalf("Latest(): %v", err)
	}
	want := &types.StateRoot{RootHash: []byte("r1"), TimestampNanos: 400, Block: 40, Sequence: 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Latest() diff (-want +got):\n%s", diff)
	}
}

func TestAppendNonMonotonic(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		desc      string
		ts, block uint64
		wantErr   bool
	}{
		{desc: "block-regression", ts: 300, block: 19, wantErr: true},
		{desc: "time-regression", ts: 199, block: 30, wantErr: true},
		{desc: "same-block-same-time", ts: 200, block: 20},
		{desc: "advance", ts: 201, block: 21},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			s := newHistory(ctx, t, testEntries[:2]...)
			err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.RegistryTX) error {
				_, err := Append(ctx, tx, []byte("x"), tc.ts, tc.block)
				return err
			})
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("Append(): %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr && !errors.Is(err, ErrNonMonotonic) {
				t.Errorf("Append(): %v, want ErrNonMonotonic", err)
			}
			n, err := Length(ctx, snapshot(ctx, t, s))
			if err != nil {
				t.Fatalf("Length(): %v", err)
			}
			want := uint64(3)
			if tc.wantErr {
				want = 2
			}
			if n != want {
				t.Errorf("Length() = %d, want %d", n, want)
			}
		})
	}
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	tx := snapshot(ctx, t, newHistory(ctx, t, testEntries...))
	for _, tc := range []struct {
		desc    string
		query   uint64
		byBlock bool
		wantSeq uint64
		wantErr error
	}{
		{desc: "time-before-first", query: 99, wantErr: ErrNoHistoryBeforeTime},
		{desc: "time-first", query: 100, wantSeq: 0},
		{desc: "time-between", query: 150, wantSeq: 0},
		{desc: "time-duplicate-takes-last", query: 200, wantSeq: 2},
		{desc: "time-exact", query: 300, wantSeq: 3},
		{desc: "time-future", query: 1 << 60, wantSeq: 4},
		{desc: "block-before-first", query: 9, byBlock: true, wantErr: ErrNoHistoryBeforeBlock},
		{desc: "block-zero", query: 0, byBlock: true, wantErr: ErrNoHistoryBeforeBlock},
		{desc: "block-first", query: 10, byBlock: true, wantSeq: 0},
		{desc: "block-duplicate-takes-last", query: 25, byBlock: true, wantSeq: 2},
		{desc: "block-between", query: 39, byBlock: true, wantSeq: 3},
		{desc: "block-future", query: 1000, byBlock: true, wantSeq: 4},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			find := FindByTime
			if tc.byBlock {
				find = FindByBlock
			}
			got, err := find(ctx, tx, tc.query)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("find(%d): %v, want %v", tc.query, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("find(%d): %v", tc.query, err)
			}
			if got.Sequence != tc.wantSeq {
				t.Errorf("find(%d).Sequence = %d, want %d", tc.query, got.Sequence, tc.wantSeq)
			}
		})
	}
}

// TestFindGreatestAtOrBefore checks every query against a linear scan.
func TestFindGreatestAtOrBefore(t *testing.T) {
	ctx := context.Background()
	var entries []entry
	for i := uint64(0); i < 40; i++ {
		entries = append(entries, entry{root: fmt.Sprintf("r%d", i), ts: 10 * (i / 3), block: i / 2})
	}
	tx := snapshot(ctx, t, newHistory(ctx, t, entries...))
	for q := uint64(0); q < 140; q++ {
		want := -1
		for i, e := range entries {
			if e.ts <= q {
				want = i
			}
		}
		got, err := FindByTime(ctx, tx, q)
		if want < 0 {
			if err == nil {
				t.Errorf("FindByTime(%d) = %v, want error", q, got)
			}
			continue
		}
		if err != nil || got.Sequence != uint64(want) {
			t.Errorf("FindByTime(%d) = %v, %v; want sequence %d", q, got, err, want)
		}
	}
}

func TestFindEmpty(t *testing.T) {
	ctx := context.Background()
	tx := snapshot(ctx, t, newHistory(ctx, t))
	if _, err := FindByTime(ctx, tx, 100); !errors.Is(err, ErrNoHistoryBeforeTime) {
		t.Errorf("FindByTime(): %v, want ErrNoHistoryBeforeTime", err)
	}
	if _, err := FindByBlock(ctx, tx, 100); !errors.Is(err, ErrNoHistoryBeforeBlock) {
		t.Errorf("FindByBlock(): %v, want ErrNoHistoryBeforeBlock", err)
	}
	if _, err := Latest(ctx, tx); !errors.Is(err, ErrEmptyHistory) {
		t.Errorf("Latest(): %v, want ErrEmptyHistory", err)
	}
}

func TestFindByRoot(t *testing.T) {
	ctx := context.Background()
	tx := snapshot(ctx, t, newHistory(ctx, t, testEntries...))
	got, err := FindByRoot(ctx, tx, []byte("r1"))
	if err != nil {
		t.Fatalf("FindByRoot(r1): %v", err)
	}
	if got.Sequence != 4 {
		t.Errorf("FindByRoot(r1).Sequence = %d, want 4", got.Sequence)
	}
	if _, err := FindByRoot(ctx, tx, []byte("nope")); !errors.Is(err, ErrUnknownRoot) {
		t.Errorf("FindByRoot(nope): %v, want ErrUnknownRoot", err)
	}
}

func TestRange(t *testing.T) {
	ctx := context.Background()
	tx := snapshot(ctx, t, newHistory(ctx, t, testEntries...))
	for _, tc := range []struct {
		from, to uint64
		wantErr  bool
	}{
		{from: 0, to: 4},
		{from: 2, to: 2},
		{from: 1, to: 3},
		{from: 0, to: 5, wantErr: true},
		{from: 3, to: 2, wantErr: true},
	} {
		got, err := Range(ctx, tx, tc.from, tc.to)
		if tc.wantErr {
			if !errors.Is(err, ErrIndexOutOfRange) {
				t.Errorf("Range(%d, %d): %v, want ErrIndexOutOfRange", tc.from, tc.to, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Range(%d, %d): %v", tc.from, tc.to, err)
		}
		var seqs []uint64
		for _, e := range got {
			seqs = append(seqs, e.Sequence)
		}
		var want []uint64
		for i := tc.from; i <= tc.to; i++ {
			want = append(want, i)
		}
		if diff := cmp.Diff(want, seqs); diff != "" {
			t.Errorf("Range(%d, %d) sequences diff (-want +got):\n%s", tc.from, tc.to, diff)
		}
	}
}
