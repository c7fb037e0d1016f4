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
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/idstate/history"
	"github.com/google/idstate/merkle/hashers"
	"github.com/google/idstate/merkle/smt"
	"github.com/google/idstate/registry"
	"github.com/google/idstate/storage/memory"
	"github.com/google/idstate/storage/postgresql/testdbpgx"
	"github.com/google/idstate/types"
	"github.com/google/idstate/util/backoff"
	"github.com/google/idstate/util/clock"
	"github.com/google/idstate/verifier"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testPageSize = 3

func recAt(id, state int64, block, ts uint64) types.LegacyTransition {
	return types.LegacyTransition{ID: big.NewInt(id), State: big.NewInt(state), TimestampNanos: ts, Block: block}
}

func rec(id, state int64, block uint64) types.LegacyTransition {
	return recAt(id, state, block, block*uint64(time.Second))
}

// legacyLog returns a block-ordered log with several identities moving
// more than once, some of them in the same block.
func legacyLog() []types.LegacyTransition {
	return []types.LegacyTransition{
		rec(1, 11, 1), rec(2, 21, 1), rec(1, 12, 2),
		rec(3, 31, 3), rec(2, 22, 3), rec(1, 13, 4),
		rec(4, 41, 4), rec(3, 32, 5), rec(2, 23, 6),
		rec(1, 14, 6),
	}
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	h, err := hashers.New(hashers.SHA256)
	if err != nil {
		t.Fatalf("hashers.New(): %v", err)
	}
	tree, err := smt.NewTree(h, 16)
	if err != nil {
		t.Fatalf("NewTree(): %v", err)
	}
	r, err := registry.New(registry.Options{
		Tree:     tree,
		Storage:  memory.NewRegistryStorage(nil),
		Verifier: verifier.RejectAll,
		Ledger:   clock.NewFake(time.Unix(0, 0), 0),
	})
	if err != nil {
		t.Fatalf("registry.New(): %v", err)
	}
	return r
}

func mustRun(ctx context.Context, t *testing.T, r *registry.Registry, src LegacySource, pageSize, startPage uint64) Progress {
	t.Helper()
	rp, err := NewReplayer(r, src, pageSize, nil)
	if err != nil {
		t.Fatalf("NewReplayer(): %v", err)
	}
	prog, err := rp.Run(ctx, startPage)
	if err != nil {
		t.Fatalf("Run(%d): %v", startPage, err)
	}
	return prog
}

// checkSameRegistry fails unless both registries have the same root history
// and current root.
func checkSameRegistry(ctx context.Context, t *testing.T, want, got *registry.Registry) {
	t.Helper()
	if err := CompareHistories(ctx, want, got, 4); err != nil {
		t.Errorf("CompareHistories(): %v", err)
	}
	wantRoot, err := want.CurrentRoot(ctx)
	if err != nil {
		t.Fatalf("CurrentRoot(): %v", err)
	}
	gotRoot, err := got.CurrentRoot(ctx)
	if err != nil {
		t.Fatalf("CurrentRoot(): %v", err)
	}
	if !bytes.Equal(gotRoot, wantRoot) {
		t.Errorf("CurrentRoot() = %x, want %x", gotRoot, wantRoot)
	}
}

func TestSliceSource(t *testing.T) {
	ctx := context.Background()
	src := SliceSource(legacyLog())
	for _, tc := range []struct {
		page     uint64
		wantLen  int
		wantMore bool
	}{
		{page: 0, wantLen: 3, wantMore: true},
		{page: 2, wantLen: 3, wantMore: true},
		{page: 3, wantLen: 1, wantMore: false},
		{page: 4, wantLen: 0, wantMore: false},
	} {
		recs, more, err := src.ReadPage(ctx, tc.page, testPageSize)
		if err != nil {
			t.Fatalf("ReadPage(%d): %v", tc.page, err)
		}
		if len(recs) != tc.wantLen || more != tc.wantMore {
			t.Errorf("ReadPage(%d) = %d records, more=%v; want %d, %v", tc.page, len(recs), more, tc.wantLen, tc.wantMore)
		}
	}
	if _, _, err := src.ReadPage(ctx, 0, 0); err == nil {
		t.Error("ReadPage(page size 0): got nil error")
	}
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	log := legacyLog()
	want := newRegistry(t)
	prog := mustRun(ctx, t, want, SliceSource(log), testPageSize, 0)
	if diff := cmp.Diff(Progress{NextPage: 4, Applied: uint64(len(log))}, prog); diff != "" {
		t.Errorf("Run() progress diff (-want +got):\n%s", diff)
	}
	n, err := want.RootHistoryLength(ctx)
	if err != nil {
		t.Fatalf("RootHistoryLength(): %v", err)
	}
	if n != uint64(len(log)) {
		t.Errorf("RootHistoryLength() = %d, want %d", n, len(log))
	}
	for id, state := range map[int64]int64{1: 14, 2: 23, 3: 32, 4: 41} {
		got, err := want.LatestState(ctx, big.NewInt(id))
		if err != nil {
			t.Fatalf("LatestState(%d): %v", id, err)
		}
		if got.Int64() != state {
			t.Errorf("LatestState(%d) = %v, want %d", id, got, state)
		}
	}
	// Identity 1 as of block 3 was at state 12.
	p, err := want.HistoricalProofByBlock(ctx, big.NewInt(1), 3)
	if err != nil {
		t.Fatalf("HistoricalProofByBlock(): %v", err)
	}
	if p.State().Int64() != 12 {
		t.Errorf("HistoricalProofByBlock(1, 3) state = %v, want 12", p.State())
	}
}

func TestReplayIdempotent(t *testing.T) {
	ctx := context.Background()
	log := legacyLog()
	want := newRegistry(t)
	mustRun(ctx, t, want, SliceSource(log), testPageSize, 0)

	for _, tc := range []struct {
		desc string
		// interruptAt is the number of records replayed by the first run.
		interruptAt int
		resumePage  uint64
		wantSkipped uint64
	}{
		{desc: "repeat-from-start", interruptAt: len(log), resumePage: 0, wantSkipped: uint64(len(log))},
		{desc: "resume-at-page-boundary", interruptAt: 6, resumePage: 2, wantSkipped: 0},
		{desc: "resume-mid-page", interruptAt: 4, resumePage: 1, wantSkipped: 1},
		{desc: "resume-late-page", interruptAt: 8, resumePage: 2, wantSkipped: 2},
		{desc: "restart-after-partial", interruptAt: 5, resumePage: 0, wantSkipped: 5},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			got := newRegistry(t)
			mustRun(ctx, t, got, SliceSource(log[:tc.interruptAt]), testPageSize, 0)
			prog := mustRun(ctx, t, got, SliceSource(log), testPageSize, tc.resumePage)
			if prog.Skipped != tc.wantSkipped {
				t.Errorf("resumed Run() skipped %d, want %d", prog.Skipped, tc.wantSkipped)
			}
			if got, want := prog.Applied+prog.Skipped, uint64(len(log))-tc.resumePage*testPageSize; got != want {
				t.Errorf("resumed Run() handled %d records, want %d", got, want)
			}
			checkSameRegistry(ctx, t, want, got)
		})
	}
}

// gappySource serves fixed pages, some of them empty.
type gappySource [][]types.LegacyTransition

func (s gappySource) ReadPage(_ context.Context, page, _ uint64) ([]types.LegacyTransition, bool, error) {
	if page >= uint64(len(s)) {
		return nil, false, nil
	}
	return s[page], page+1 < uint64(len(s)), nil
}

func TestReplayGaps(t *testing.T) {
	ctx := context.Background()
	log := legacyLog()
	want := newRegistry(t)
	mustRun(ctx, t, want, SliceSource(log), testPageSize, 0)

	src := gappySource{nil, log[0:3], nil, nil, log[3:5], log[5:10], nil}
	got := newRegistry(t)
	prog := mustRun(ctx, t, got, src, 5, 0)
	if diff := cmp.Diff(Progress{NextPage: 7, Applied: uint64(len(log))}, prog); diff != "" {
		t.Errorf("Run() progress diff (-want +got):\n%s", diff)
	}
	checkSameRegistry(ctx, t, want, got)
}

func TestReplayHalts(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		desc    string
		bad     types.LegacyTransition
		wantErr error
	}{
		{desc: "block-regression", bad: rec(5, 51, 2), wantErr: ErrBlockRegression},
		{desc: "conflict-in-block", bad: rec(3, 39, 3), wantErr: ErrConflictingRecord},
		{desc: "time-regression", bad: recAt(5, 51, 3, 2*uint64(time.Second)), wantErr: history.ErrNonMonotonic},
		{desc: "invalid-state", bad: types.LegacyTransition{ID: big.NewInt(5), State: big.NewInt(-1), Block: 3, TimestampNanos: 3 * uint64(time.Second)}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			log := legacyLog()
			log = append(log[:4:4], append([]types.LegacyTransition{tc.bad}, log[4:]...)...)
			r := newRegistry(t)
			rp, err := NewReplayer(r, SliceSource(log), testPageSize, nil)
			if err != nil {
				t.Fatalf("NewReplayer(): %v", err)
			}
			prog, err := rp.Run(ctx, 0)
			var re *ReplayError
			if !errors.As(err, &re) {
				t.Fatalf("Run(): %v, want *ReplayError", err)
			}
			if re.Index != 4 || re.Page != 1 {
				t.Errorf("ReplayError at index %d page %d, want index 4 page 1", re.Index, re.Page)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("Run(): %v, want %v", err, tc.wantErr)
			}
			if diff := cmp.Diff(Progress{NextPage: 1, Applied: 4}, prog); diff != "" {
				t.Errorf("Run() progress diff (-want +got):\n%s", diff)
			}
			// Everything before the failing record stays committed.
			if n, err := r.RootHistoryLength(ctx); err != nil || n != 4 {
				t.Errorf("RootHistoryLength() = %d, %v; want 4", n, err)
			}

			// Once the record is removed the replay resumes from the halted page.
			fixed := append(log[:4:4], log[5:]...)
			mustRun(ctx, t, r, SliceSource(fixed), testPageSize, prog.NextPage)
			want := newRegistry(t)
			mustRun(ctx, t, want, SliceSource(legacyLog()), testPageSize, 0)
			checkSameRegistry(ctx, t, want, r)
		})
	}
}

type errSource struct {
	LegacySource
	failPage uint64
	err      error
	// failures is how many reads of failPage fail; negative means all.
	failures int
}

func (s *errSource) ReadPage(ctx context.Context, page, pageSize uint64) ([]types.LegacyTransition, bool, error) {
	if page == s.failPage && s.failures != 0 {
		s.failures--
		return nil, false, s.err
	}
	return s.LegacySource.ReadPage(ctx, page, pageSize)
}

func TestReplayRetriesTransientReads(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	src := &errSource{LegacySource: SliceSource(legacyLog()), failPage: 1, err: status.Error(codes.Unavailable, "connection reset"), failures: 2}
	rp, err := NewReplayer(r, src, testPageSize, nil)
	if err != nil {
		t.Fatalf("NewReplayer(): %v", err)
	}
	rp.bo = &backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond, Factor: 1}
	prog, err := rp.Run(ctx, 0)
	if err != nil {
		t.Fatalf("Run(): %v", err)
	}
	if prog.Applied != uint64(len(legacyLog())) {
		t.Errorf("Run() applied %d, want %d", prog.Applied, len(legacyLog()))
	}
}

func TestReplaySourceError(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	rp, err := NewReplayer(r, &errSource{LegacySource: SliceSource(legacyLog()), failPage: 2, err: errors.New("legacy database unavailable"), failures: -1}, testPageSize, nil)
	if err != nil {
		t.Fatalf("NewReplayer(): %v", err)
	}
	prog, err := rp.Run(ctx, 0)
	if err == nil {
		t.Fatal("Run(): got nil error")
	}
	var re *ReplayError
	if errors.As(err, &re) {
		t.Errorf("Run(): source failure reported as %v", re)
	}
	if diff := cmp.Diff(Progress{NextPage: 2, Applied: 6}, prog); diff != "" {
		t.Errorf("Run() progress diff (-want +got):\n%s", diff)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := rp.Run(cctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Run(cancelled): %v, want context.Canceled", err)
	}
}

func TestNewReplayerBadPageSize(t *testing.T) {
	if _, err := NewReplayer(newRegistry(t), SliceSource(nil), 0, nil); err == nil {
		t.Error("NewReplayer(page size 0): got nil error")
	}
}

func TestCompareHistories(t *testing.T) {
	ctx := context.Background()
	full := newRegistry(t)
	mustRun(ctx, t, full, SliceSource(legacyLog()), testPageSize, 0)

	forked := legacyLog()
	forked[6] = rec(4, 49, 4)
	other := newRegistry(t)
	mustRun(ctx, t, other, SliceSource(forked), testPageSize, 0)

	short := newRegistry(t)
	mustRun(ctx, t, short, SliceSource(legacyLog()[:7]), testPageSize, 0)

	for _, chunk := range []uint64{1, 3, 4, 100} {
		t.Run(fmt.Sprintf("chunk-%d", chunk), func(t *testing.T) {
			if err := CompareHistories(ctx, full, full, chunk); err != nil {
				t.Errorf("CompareHistories(same): %v", err)
			}

			var d *DivergenceError
			err := CompareHistories(ctx, full, other, chunk)
			if !errors.As(err, &d) {
				t.Fatalf("CompareHistories(forked): %v, want *DivergenceError", err)
			}
			if d.Index != 6 || d.A == nil || d.B == nil {
				t.Errorf("CompareHistories(forked) = %v, want divergence at 6", d)
			}

			err = CompareHistories(ctx, short, full, chunk)
			if !errors.As(err, &d) {
				t.Fatalf("CompareHistories(short): %v, want *DivergenceError", err)
			}
			if d.Index != 7 || d.A != nil || d.B == nil || d.B.Sequence != 7 {
				t.Errorf("CompareHistories(short) = %v, want divergence at 7 with only B", d)
			}
		})
	}
}

func TestSQLSource(t *testing.T) {
	testdbpgx.SkipIfNoPostgreSQL(t)
	ctx := context.Background()
	db, done, err := testdbpgx.NewSQLDB(ctx)
	if err != nil {
		t.Fatalf("NewSQLDB(): %v", err)
	}
	defer done(ctx)

	schema, err := os.ReadFile("schema/legacy.sql")
	if err != nil {
		t.Fatalf("ReadFile(): %v", err)
	}
	for _, stmt := range strings.Split(string(schema), ";\n") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("ExecContext(%q): %v", stmt, err)
		}
	}
	log := legacyLog()
	for i, r := range log {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO "StateTransitions"(LogIndex, Id, State, TimestampNanos, Block) VALUES($1, $2, $3, $4, $5)`,
			i, r.ID.String(), r.State.String(), int64(r.TimestampNanos), int64(r.Block)); err != nil {
			t.Fatalf("insert record %d: %v", i, err)
		}
	}

	src, err := NewSQLSource(db, "StateTransitions")
	if err != nil {
		t.Fatalf("NewSQLSource(): %v", err)
	}
	recs, more, err := src.ReadPage(ctx, 1, testPageSize)
	if err != nil {
		t.Fatalf("ReadPage(1): %v", err)
	}
	if !more {
		t.Error("ReadPage(1): more = false, want true")
	}
	bigIntCmp := cmp.Comparer(func(a, b *big.Int) bool { return a.Cmp(b) == 0 })
	if diff := cmp.Diff(log[3:6], recs, bigIntCmp); diff != "" {
		t.Errorf("ReadPage(1) diff (-want +got):\n%s", diff)
	}

	want := newRegistry(t)
	mustRun(ctx, t, want, SliceSource(log), testPageSize, 0)
	got := newRegistry(t)
	mustRun(ctx, t, got, src, testPageSize, 0)
	checkSameRegistry(ctx, t, want, got)
}
