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

package memory

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/google/idstate/monitoring"
	"github.com/google/idstate/storage"
	"github.com/google/idstate/types"
	"k8s.io/klog/v2"
)

const degree = 8

var (
	once         sync.Once
	nodesWritten monitoring.Counter
	rootsWritten monitoring.Counter
)

func createMetrics(mf monitoring.MetricFactory) {
	nodesWritten = mf.NewCounter("memory_nodes_written", "Number of new tree nodes committed to memory storage")
	rootsWritten = mf.NewCounter("memory_roots_written", "Number of roots committed to memory storage")
}

// The keyspace is partitioned off into prefixes for the different 'tables'.
const (
	nodePrefix     = "/node/"
	rootPrefix     = "/root/"
	rootHashPrefix = "/roothash/"
	identityPrefix = "/id/"
	rootCountKey   = "/meta/rootcount"
)

func nodeKey(hash []byte) btree.Item {
	return &kv{k: fmt.Sprintf("%s%x", nodePrefix, hash)}
}

// rootKey zero-pads the sequence so that keys sort in sequence order.
func rootKey(seq uint64) btree.Item {
	return &kv{k: fmt.Sprintf("%s%020d", rootPrefix, seq)}
}

func rootHashKey(hash []byte) btree.Item {
	return &kv{k: fmt.Sprintf("%s%x", rootHashPrefix, hash)}
}

func identityKey(id []byte) btree.Item {
	return &kv{k: fmt.Sprintf("%s%x", identityPrefix, id)}
}

// kv is a simple key->value type which implements btree's Item interface.
type kv struct {
	k string
	v interface{}
}

// Less than by k's string key
func (a kv) Less(b btree.Item) bool {
	return strings.Compare(a.k, b.(*kv).k) < 0
}

// RegistryStorage is an in-memory storage.RegistryStorage.
type RegistryStorage struct {
	// writeMu serializes writable transactions.
	writeMu sync.Mutex
	// mu protects store. BTree.Clone modifies the cloned tree, so it is
	// taken exclusively for clones as well as for swaps.
	mu    sync.Mutex
	store *btree.BTree
}

// NewRegistryStorage returns a new, empty in-memory registry storage.
func NewRegistryStorage(mf monitoring.MetricFactory) *RegistryStorage {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	once.Do(func() { createMetrics(mf) })
	store := btree.New(degree)
	store.ReplaceOrInsert(&kv{k: rootCountKey, v: uint64(0)})
	return &RegistryStorage{store: store}
}

func (m *RegistryStorage) clone() *btree.BTree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Clone()
}

// CheckDatabaseAccessible always returns nil.
func (m *RegistryStorage) CheckDatabaseAccessible(ctx context.Context) error {
	return nil
}

// Snapshot starts a read-only transaction over the current contents.
func (m *RegistryStorage) Snapshot(ctx context.Context) (storage.ReadOnlyRegistryTX, error) {
	return &registryTX{tx: m.clone(), unlock: func() {}}, nil
}

// ReadWriteTransaction runs f in a transaction that holds the write lock
// until it ends.
func (m *RegistryStorage) ReadWriteTransaction(ctx context.Context, f storage.RegistryTXFunc) error {
	m.writeMu.Lock()
	tx := &registryTX{ts: m, tx: m.clone(), writable: true, unlock: m.writeMu.Unlock}
	defer func() {
		if err := tx.Close(); err != nil {
			klog.Errorf("tx.Close(): %v", err)
		}
	}()
	if err := f(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type registryTX struct {
	ts       *RegistryStorage
	tx       *btree.BTree
	writable bool
	closed   bool
	unlock   func()
	nodes    int
	roots    int
}

func (t *registryTX) checkOpen() error {
	if t.closed {
		return storage.ErrTransactionClosed
	}
	return nil
}

func (t *registryTX) checkWritable() error {
	if !t.writable {
		return fmt.Errorf("memory: write in read-only transaction")
	}
	return t.checkOpen()
}

func (t *registryTX) get(k btree.Item) (interface{}, bool) {
	i := t.tx.Get(k)
	if i == nil {
		return nil, false
	}
	return i.(*kv).v, true
}

func (t *registryTX) GetNode(ctx context.Context, hash []byte) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	v, ok := t.get(nodeKey(hash))
	if !ok {
		return nil, storage.NotFoundf("node %x", hash)
	}
	return append([]byte(nil), v.([]byte)...), nil
}

func (t *registryTX) PutNode(ctx context.Context, hash, encoded []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	k := nodeKey(hash)
	if t.tx.Has(k) {
		return nil
	}
	k.(*kv).v = append([]byte(nil), encoded...)
	t.tx.ReplaceOrInsert(k)
	t.nodes++
	return nil
}

func (t *registryTX) RootCount(ctx context.Context) (uint64, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	v, _ := t.get(&kv{k: rootCountKey})
	return v.(uint64), nil
}

func (t *registryTX) RootAt(ctx context.Context, seq uint64) (*types.StateRoot, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	v, ok := t.get(rootKey(seq))
	if !ok {
		return nil, storage.NotFoundf("root %d", seq)
	}
	return unmarshalRoot(v)
}

func (t *registryTX) RootsInRange(ctx context.Context, from, to uint64) ([]*types.StateRoot, error) {
	count, err := t.RootCount(ctx)
	if err != nil {
		return nil, err
	}
	if err := storage.CheckRange(count, from, to); err != nil {
		return nil, err
	}
	ret := make([]*types.StateRoot, 0, to-from+1)
	var iterErr error
	t.tx.AscendRange(rootKey(from), rootKey(to+1), func(i btree.Item) bool {
		r, err := unmarshalRoot(i.(*kv).v)
		if err != nil {
			iterErr = err
			return false
		}
		ret = append(ret, r)
		return true
	})
	if iterErr != nil {
		return nil, iterErr
	}
	if got, want := uint64(len(ret)), to-from+1; got != want {
		return nil, fmt.Errorf("memory: read %d roots in [%d, %d], want %d", got, from, to, want)
	}
	return ret, nil
}

func (t *registryTX) LatestRootWithHash(ctx context.Context, rootHash []byte) (*types.StateRoot, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	v, ok := t.get(rootHashKey(rootHash))
	if !ok {
		return nil, storage.NotFoundf("root hash %x", rootHash)
	}
	return t.RootAt(ctx, v.(uint64))
}

func (t *registryTX) AppendRoot(ctx context.Context, root *types.StateRoot) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	count, err := t.RootCount(ctx)
	if err != nil {
		return err
	}
	if err := storage.CheckAppend(count, root); err != nil {
		return err
	}
	b, err := root.MarshalBinary()
	if err != nil {
		return err
	}
	rk, hk := rootKey(root.Sequence), rootHashKey(root.RootHash)
	rk.(*kv).v, hk.(*kv).v = b, root.Sequence
	t.tx.ReplaceOrInsert(rk)
	t.tx.ReplaceOrInsert(hk)
	t.tx.ReplaceOrInsert(&kv{k: rootCountKey, v: count + 1})
	t.roots++
	return nil
}

func (t *registryTX) GetIdentity(ctx context.Context, id *big.Int) (*types.IdentityRecord, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	key, err := types.IDKey(id)
	if err != nil {
		return nil, err
	}
	v, ok := t.get(identityKey(key))
	if !ok {
		return nil, storage.NotFoundf("identity %v", id)
	}
	var rec types.IdentityRecord
	if err := rec.UnmarshalBinary(v.([]byte)); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *registryTX) SetIdentity(ctx context.Context, rec *types.IdentityRecord) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	key, err := types.IDKey(rec.ID)
	if err != nil {
		return err
	}
	b, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	k := identityKey(key)
	k.(*kv).v = b
	t.tx.ReplaceOrInsert(k)
	return nil
}

func (t *registryTX) Commit(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	defer t.unlock()
	t.closed = true
	if t.writable {
		// update the shared view of the storage post TX:
		t.ts.mu.Lock()
		t.ts.store = t.tx
		t.ts.mu.Unlock()
		nodesWritten.Add(float64(t.nodes))
		rootsWritten.Add(float64(t.roots))
	}
	return nil
}

func (t *registryTX) Close() error {
	if t.closed {
		return nil
	}
	defer t.unlock()
	t.closed = true
	return nil
}

func unmarshalRoot(v interface{}) (*types.StateRoot, error) {
	var r types.StateRoot
	if err := r.UnmarshalBinary(v.([]byte)); err != nil {
		return nil, err
	}
	return &r, nil
}
