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

// Package registry implements the identity state registry: a sparse Merkle
// tree from identity ID to latest state, the history of its roots, and the
// proof-gated transitions that advance it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/google/idstate/history"
	"github.com/google/idstate/merkle/smt"
	"github.com/google/idstate/monitoring"
	"github.com/google/idstate/storage"
	"github.com/google/idstate/types"
	"github.com/google/idstate/util/backoff"
	"github.com/google/idstate/util/clock"
	"github.com/google/idstate/verifier"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

var (
	once          sync.Once
	transitions   monitoring.Counter
	historyLength monitoring.Gauge
	applyLatency  monitoring.Histogram
)

func createMetrics(mf monitoring.MetricFactory) {
	transitions = mf.NewCounter("registry_transitions", "Number of state transitions by outcome and mode", "outcome", "trusted")
	historyLength = mf.NewGauge("registry_history_length", "Number of entries in the root history")
	applyLatency = mf.NewHistogramWithBuckets("registry_apply_latency", "Latency of applying a transition in seconds", monitoring.LatencyBuckets())
}

// TransitionRequest asks to move an identity from OldState to NewState.
type TransitionRequest struct {
	ID       *big.Int
	OldState *big.Int
	NewState *big.Int
	// IsOldStateGenesis is set for the first transition of an identity, in
	// which case OldState is its genesis state and no record may exist yet.
	IsOldStateGenesis bool
	// Proof is checked by the registry's verifier.ProofVerifier.
	Proof []byte
}

func (r *TransitionRequest) statement() verifier.Statement {
	return verifier.Statement{
		ID:                r.ID,
		OldState:          r.OldState,
		NewState:          r.NewState,
		IsOldStateGenesis: r.IsOldStateGenesis,
	}
}

// Options holds the collaborators of a Registry.
type Options struct {
	Tree     *smt.Tree
	Storage  storage.RegistryStorage
	Verifier verifier.ProofVerifier
	Ledger   clock.Ledger
	// MetricFactory defaults to monitoring.InertMetricFactory.
	MetricFactory monitoring.MetricFactory
	// Backoff paces retries of aborted write transactions. Defaults to
	// backoff.Default().
	Backoff *backoff.Backoff
}

// Registry is the identity state registry. It is safe for concurrent use:
// writes are serialized, while reads run on storage snapshots.
type Registry struct {
	tree       *smt.Tree
	store      storage.RegistryStorage
	verifier   verifier.ProofVerifier
	ledger     clock.Ledger
	commitment *history.Commitment

	// mu serializes write transactions and guards bo.
	mu sync.Mutex
	bo *backoff.Backoff
}

// New returns a Registry over the given storage.
func New(opts Options) (*Registry, error) {
	switch {
	case opts.Tree == nil:
		return nil, errors.New("registry: nil tree")
	case opts.Storage == nil:
		return nil, errors.New("registry: nil storage")
	case opts.Verifier == nil:
		return nil, errors.New("registry: nil proof verifier")
	case opts.Ledger == nil:
		return nil, errors.New("registry: nil ledger")
	}
	mf := opts.MetricFactory
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	once.Do(func() { createMetrics(mf) })
	bo := opts.Backoff
	if bo == nil {
		bo = backoff.Default()
	}
	return &Registry{
		tree:       opts.Tree,
		store:      opts.Storage,
		verifier:   opts.Verifier,
		ledger:     opts.Ledger,
		commitment: history.NewCommitment(),
		bo:         bo,
	}, nil
}

// Tree returns the tree parameters of the registry, needed to verify its
// proofs.
func (r *Registry) Tree() *smt.Tree {
	return r.tree
}

func (r *Registry) checkValues(vs map[string]*big.Int) error {
	for name, v := range vs {
		if err := r.tree.CheckValue(name, v); err != nil {
			return err
		}
	}
	return nil
}

// Transition applies req if it is consistent with the identity's record and
// its proof is accepted, and returns the new history entry. The transition
// is stamped with the ledger's current time and block height.
//
// Checks are made in this order: one transition per identity per block,
// genesis gating, the latest state, then the proof.
func (r *Registry) Transition(ctx context.Context, req *TransitionRequest) (*types.StateRoot, error) {
	if err := r.checkValues(map[string]*big.Int{"ID": req.ID, "old state": req.OldState, "new state": req.NewState}); err != nil {
		return nil, err
	}
	entry, err := r.write(ctx, func(ctx context.Context, tx storage.RegistryTX) (*types.StateRoot, error) {
		now, block := r.ledger.Now(), r.ledger.Height()
		rec, err := getIdentity(ctx, tx, req.ID)
		if err != nil {
			return nil, err
		}
		if err := checkTransition(rec, req, block); err != nil {
			return nil, err
		}
		ok, err := r.verifier.Verify(ctx, req.Proof, req.statement())
		if err != nil {
			return nil, fmt.Errorf("registry: proof verifier: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w for %v", ErrInvalidTransitionProof, req.statement())
		}
		ts := now.UnixNano()
		if ts < 0 {
			return nil, status.Errorf(codes.FailedPrecondition, "registry: ledger time %v before unix epoch", now)
		}
		return r.apply(ctx, tx, rec, req.ID, req.NewState, uint64(ts), block)
	})
	r.record(entry, err, false)
	if err != nil {
		if isRejection(err) {
			klog.Warningf("registry: rejected transition %v: %v", req.statement(), err)
		}
		return nil, err
	}
	klog.V(1).Infof("registry: identity %v moved to state %v at block %d", req.ID, req.NewState, entry.Block)
	return entry, nil
}

// checkTransition checks req against the identity's current record, which
// is nil for an unknown identity.
func checkTransition(rec *types.IdentityRecord, req *TransitionRequest, block uint64) error {
	if rec != nil && rec.Transitions > 0 && rec.LastBlock == block {
		return fmt.Errorf("%w: identity %v at block %d", ErrDuplicateTransitionInBlock, req.ID, block)
	}
	if req.IsOldStateGenesis {
		if rec != nil {
			return fmt.Errorf("%w: identity %v has %d transitions", ErrGenesisStateMismatch, req.ID, rec.Transitions)
		}
		return nil
	}
	if rec == nil {
		return fmt.Errorf("%w: %v", ErrIdentityNotFound, req.ID)
	}
	if rec.LatestState.Cmp(req.OldState) != 0 {
		return fmt.Errorf("%w: identity %v is at state %v, not %v", ErrStaleState, req.ID, rec.LatestState, req.OldState)
	}
	return nil
}

// ApplyTrusted applies a transition taken from the legacy log without a
// proof, stamped with the record's own time and block. Only the one
// transition per block rule is checked; the history must not go backwards.
func (r *Registry) ApplyTrusted(ctx context.Context, lt types.LegacyTransition) (*types.StateRoot, error) {
	if err := r.checkValues(map[string]*big.Int{"ID": lt.ID, "state": lt.State}); err != nil {
		return nil, err
	}
	entry, err := r.write(ctx, func(ctx context.Context, tx storage.RegistryTX) (*types.StateRoot, error) {
		rec, err := getIdentity(ctx, tx, lt.ID)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Transitions > 0 && rec.LastBlock == lt.Block {
			return nil, fmt.Errorf("%w: identity %v at block %d", ErrDuplicateTransitionInBlock, lt.ID, lt.Block)
		}
		return r.apply(ctx, tx, rec, lt.ID, lt.State, lt.TimestampNanos, lt.Block)
	})
	r.record(entry, err, true)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("registry: replayed %v as entry %d", lt, entry.Sequence)
	return entry, nil
}

// write runs f in a serialized read-write transaction, which is retried
// if storage aborts it.
func (r *Registry) write(ctx context.Context, f func(context.Context, storage.RegistryTX) (*types.StateRoot, error)) (*types.StateRoot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.ledger.Now()
	var entry *types.StateRoot
	err := r.bo.Retry(ctx, func() error {
		return r.store.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.RegistryTX) error {
			var err error
			entry, err = f(ctx, tx)
			return err
		})
	}, codes.Aborted)
	if err != nil {
		return nil, err
	}
	applyLatency.Observe(clock.SecondsSince(r.ledger, start))
	return entry, nil
}

// apply updates the tree, appends the new root and writes the identity
// record, all in tx. prev is the identity's current record, or nil.
func (r *Registry) apply(ctx context.Context, tx storage.RegistryTX, prev *types.IdentityRecord, id, state *big.Int, ts, block uint64) (*types.StateRoot, error) {
	root, err := currentRoot(ctx, r.tree, tx)
	if err != nil {
		return nil, err
	}
	newRoot, err := r.tree.Update(ctx, tx, root, id, state)
	if err != nil {
		return nil, err
	}
	entry, err := history.Append(ctx, tx, newRoot, ts, block)
	if err != nil {
		return nil, err
	}
	rec := &types.IdentityRecord{
		ID:                 new(big.Int).Set(id),
		LatestState:        new(big.Int).Set(state),
		LastBlock:          block,
		LastTimestampNanos: ts,
		Transitions:        1,
	}
	if prev != nil {
		rec.Transitions = prev.Transitions + 1
	}
	if err := tx.SetIdentity(ctx, rec); err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *Registry) record(entry *types.StateRoot, err error, trusted bool) {
	t := strconv.FormatBool(trusted)
	switch {
	case err == nil:
		transitions.Inc(outcomeAccepted, t)
		historyLength.Set(float64(entry.Sequence + 1))
	case isRejection(err):
		transitions.Inc(outcomeRejected, t)
	default:
		transitions.Inc(outcomeFailed, t)
	}
}

func isRejection(err error) bool {
	for _, e := range []error{ErrInvalidTransitionProof, ErrStaleState, ErrDuplicateTransitionInBlock, ErrGenesisStateMismatch, ErrIdentityNotFound} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// getIdentity returns the record of id, or nil if there is none.
func getIdentity(ctx context.Context, tx storage.IdentityReader, id *big.Int) (*types.IdentityRecord, error) {
	rec, err := tx.GetIdentity(ctx, id)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	return rec, err
}

// currentRoot returns the latest recorded root, or the empty root.
func currentRoot(ctx context.Context, t *smt.Tree, r storage.HistoryReader) ([]byte, error) {
	e, err := history.Latest(ctx, r)
	if errors.Is(err, history.ErrEmptyHistory) {
		return t.EmptyRoot(), nil
	}
	if err != nil {
		return nil, err
	}
	return e.RootHash, nil
}

// read runs f on a storage snapshot.
func (r *Registry) read(ctx context.Context, f func(tx storage.ReadOnlyRegistryTX) error) error {
	tx, err := r.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Close(); err != nil {
			klog.Errorf("tx.Close(): %v", err)
		}
	}()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Identity returns the record of id.
func (r *Registry) Identity(ctx context.Context, id *big.Int) (*types.IdentityRecord, error) {
	if err := smt.CheckKey("ID", id); err != nil {
		return nil, err
	}
	var rec *types.IdentityRecord
	err := r.read(ctx, func(tx storage.ReadOnlyRegistryTX) error {
		var err error
		rec, err = getIdentity(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityNotFound, id)
	}
	return rec, nil
}

// LatestState returns the latest accepted state of id.
func (r *Registry) LatestState(ctx context.Context, id *big.Int) (*big.Int, error) {
	rec, err := r.Identity(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.LatestState, nil
}

// CurrentRoot returns the root of the tree after the last transition, or the
// empty root if there has been none.
func (r *Registry) CurrentRoot(ctx context.Context) ([]byte, error) {
	var root []byte
	err := r.read(ctx, func(tx storage.ReadOnlyRegistryTX) error {
		var err error
		root, err = currentRoot(ctx, r.tree, tx)
		return err
	})
	return root, err
}

// RootHistoryLength returns the number of recorded roots.
func (r *Registry) RootHistoryLength(ctx context.Context) (uint64, error) {
	var n uint64
	err := r.read(ctx, func(tx storage.ReadOnlyRegistryTX) error {
		var err error
		n, err = history.Length(ctx, tx)
		return err
	})
	return n, err
}

// RootHistoryRange returns the recorded roots with indices in [from, to].
func (r *Registry) RootHistoryRange(ctx context.Context, from, to uint64) ([]*types.StateRoot, error) {
	var entries []*types.StateRoot
	err := r.read(ctx, func(tx storage.ReadOnlyRegistryTX) error {
		var err error
		entries, err = history.Range(ctx, tx, from, to)
		return err
	})
	return entries, err
}

// HistoricalProofByTime proves the state of id as of time t: in the latest
// root recorded at or before t. A time after the last transition proves the
// current state; callers needing a settled point should check t themselves.
func (r *Registry) HistoricalProofByTime(ctx context.Context, id *big.Int, t time.Time) (*StateProof, error) {
	ts := t.UnixNano()
	if ts < 0 {
		return nil, fmt.Errorf("%w %v", history.ErrNoHistoryBeforeTime, t)
	}
	return r.historicalProof(ctx, id, func(tx storage.ReadOnlyRegistryTX) (*types.StateRoot, error) {
		return history.FindByTime(ctx, tx, uint64(ts))
	})
}

// HistoricalProofByBlock proves the state of id as of the given block.
func (r *Registry) HistoricalProofByBlock(ctx context.Context, id *big.Int, block uint64) (*StateProof, error) {
	return r.historicalProof(ctx, id, func(tx storage.ReadOnlyRegistryTX) (*types.StateRoot, error) {
		return history.FindByBlock(ctx, tx, block)
	})
}

// HistoricalProofByRoot proves the state of id in the given root, which
// must have been recorded in the history.
func (r *Registry) HistoricalProofByRoot(ctx context.Context, id *big.Int, root []byte) (*StateProof, error) {
	return r.historicalProof(ctx, id, func(tx storage.ReadOnlyRegistryTX) (*types.StateRoot, error) {
		return history.FindByRoot(ctx, tx, root)
	})
}

func (r *Registry) historicalProof(ctx context.Context, id *big.Int, find func(storage.ReadOnlyRegistryTX) (*types.StateRoot, error)) (*StateProof, error) {
	if err := smt.CheckKey("ID", id); err != nil {
		return nil, err
	}
	var sp *StateProof
	err := r.read(ctx, func(tx storage.ReadOnlyRegistryTX) error {
		entry, err := find(tx)
		if err != nil {
			return err
		}
		p, err := r.tree.Prove(ctx, tx, entry.RootHash, id)
		if err != nil {
			return err
		}
		sp = &StateProof{ID: new(big.Int).Set(id), Entry: entry, Proof: p}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// Checkpoint returns the size and root of the commitment to the whole root
// history.
func (r *Registry) Checkpoint(ctx context.Context) (uint64, []byte, error) {
	if err := r.syncCommitment(ctx); err != nil {
		return 0, nil, err
	}
	size, root := r.commitment.Checkpoint()
	return size, root, nil
}

// HistoryInclusionProof proves that history entry index is committed to by
// the checkpoint of the given size.
func (r *Registry) HistoryInclusionProof(ctx context.Context, index, size uint64) ([][]byte, error) {
	if err := r.syncCommitment(ctx); err != nil {
		return nil, err
	}
	return r.commitment.InclusionProof(index, size)
}

// HistoryConsistencyProof proves that the checkpoint of size2 extends the
// checkpoint of size1.
func (r *Registry) HistoryConsistencyProof(ctx context.Context, size1, size2 uint64) ([][]byte, error) {
	if err := r.syncCommitment(ctx); err != nil {
		return nil, err
	}
	return r.commitment.ConsistencyProof(size1, size2)
}

func (r *Registry) syncCommitment(ctx context.Context) error {
	return r.read(ctx, func(tx storage.ReadOnlyRegistryTX) error {
		return r.commitment.Sync(ctx, tx)
	})
}
