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

// Package postgresql provides a PostgreSQL-based storage layer implementation.
package postgresql

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/idstate/monitoring"
	"github.com/google/idstate/storage"
	"github.com/google/idstate/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/klog/v2"
)

const (
	selectNodeSQL = `SELECT Encoded FROM Node WHERE Hash = $1`
	insertNodeSQL = `INSERT INTO Node(Hash, Encoded) VALUES($1, $2) ON CONFLICT DO NOTHING`

	selectRootCountSQL = `SELECT COALESCE(MAX(Sequence) + 1, 0) FROM RootHistory`
	selectRootSQL      = `SELECT RootHash, TimestampNanos, Block, Sequence FROM RootHistory WHERE Sequence = $1`
	selectRootRangeSQL = `SELECT RootHash, TimestampNanos, Block, Sequence FROM RootHistory
		WHERE Sequence >= $1 AND Sequence <= $2 ORDER BY Sequence`
	selectRootByHashSQL = `SELECT RootHash, TimestampNanos, Block, Sequence FROM RootHistory
		WHERE RootHash = $1 ORDER BY Sequence DESC LIMIT 1`
	insertRootSQL = `INSERT INTO RootHistory(Sequence, RootHash, TimestampNanos, Block) VALUES($1, $2, $3, $4)`

	selectIdentitySQL = `SELECT LatestState, IsGenesis, LastBlock, LastTimestampNanos, Transitions
		FROM Identity WHERE Id = $1`
	upsertIdentitySQL = `INSERT INTO Identity(Id, LatestState, IsGenesis, LastBlock, LastTimestampNanos, Transitions)
		VALUES($1, $2, $3, $4, $5, $6)
		ON CONFLICT (Id) DO UPDATE SET LatestState = EXCLUDED.LatestState, IsGenesis = EXCLUDED.IsGenesis,
		LastBlock = EXCLUDED.LastBlock, LastTimestampNanos = EXCLUDED.LastTimestampNanos,
		Transitions = EXCLUDED.Transitions`
)

var (
	once         sync.Once
	nodesWritten monitoring.Counter
	rootsWritten monitoring.Counter
	txAborted    monitoring.Counter
)

func createMetrics(mf monitoring.MetricFactory) {
	nodesWritten = mf.NewCounter("postgresql_nodes_written", "Number of tree nodes written to PostgreSQL")
	rootsWritten = mf.NewCounter("postgresql_roots_written", "Number of roots written to PostgreSQL")
	txAborted = mf.NewCounter("postgresql_tx_aborted", "Number of read-write transactions rolled back")
}

// OpenDB opens a database connection pool for PostgreSQL-based storage.
func OpenDB(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		// Don't log uri as it could contain credentials.
		klog.Warningf("Could not open PostgreSQL database, check config: %s", err)
		return nil, err
	}
	return db, nil
}

type registryStorage struct {
	db *pgxpool.Pool
}

// NewRegistryStorage creates a storage.RegistryStorage instance backed by the
// given PostgreSQL pool.
func NewRegistryStorage(db *pgxpool.Pool, mf monitoring.MetricFactory) storage.RegistryStorage {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	once.Do(func() { createMetrics(mf) })
	return &registryStorage{db: db}
}

func (s *registryStorage) CheckDatabaseAccessible(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *registryStorage) begin(ctx context.Context, opts pgx.TxOptions) (*registryTX, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		klog.Warningf("Could not start registry TX: %s", err)
		return nil, postgresqlToGRPC(err)
	}
	return &registryTX{tx: tx, writable: opts.AccessMode != pgx.ReadOnly}, nil
}

func (s *registryStorage) Snapshot(ctx context.Context) (storage.ReadOnlyRegistryTX, error) {
	return s.begin(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
}

func (s *registryStorage) ReadWriteTransaction(ctx context.Context, f storage.RegistryTXFunc) error {
	tx, err := s.begin(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Close(); err != nil {
			klog.Errorf("tx.Close(): %v", err)
		}
	}()
	if err := f(ctx, tx); err != nil {
		txAborted.Inc()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	nodesWritten.Add(float64(tx.nodes))
	rootsWritten.Add(float64(tx.roots))
	return nil
}

type registryTX struct {
	// mu ensures that tx can only be used for one query/exec at a time.
	mu       sync.Mutex
	closed   bool
	tx       pgx.Tx
	writable bool
	nodes    int
	roots    int
}

func (t *registryTX) checkOpenLocked() error {
	if t.closed {
		return storage.ErrTransactionClosed
	}
	return nil
}

func (t *registryTX) checkWritableLocked() error {
	if !t.writable {
		return errors.New("postgresql: write in read-only transaction")
	}
	return t.checkOpenLocked()
}

func (t *registryTX) GetNode(ctx context.Context, hash []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	var encoded []byte
	if err := t.tx.QueryRow(ctx, selectNodeSQL, hash).Scan(&encoded); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.NotFoundf("node %x", hash)
		}
		return nil, postgresqlToGRPC(err)
	}
	return encoded, nil
}

func (t *registryTX) PutNode(ctx context.Context, hash, encoded []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWritableLocked(); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, insertNodeSQL, hash, encoded)
	if err != nil {
		klog.Warningf("Failed to set merkle node %x: %s", hash, err)
		return postgresqlToGRPC(err)
	}
	t.nodes += int(tag.RowsAffected())
	return nil
}

func (t *registryTX) rootCountLocked(ctx context.Context) (uint64, error) {
	var count int64
	if err := t.tx.QueryRow(ctx, selectRootCountSQL).Scan(&count); err != nil {
		return 0, postgresqlToGRPC(err)
	}
	return uint64(count), nil
}

func (t *registryTX) RootCount(ctx context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return 0, err
	}
	return t.rootCountLocked(ctx)
}

func scanRoot(row pgx.Row) (*types.StateRoot, error) {
	var (
		r                   types.StateRoot
		ts, block, sequence int64
	)
	if err := row.Scan(&r.RootHash, &ts, &block, &sequence); err != nil {
		return nil, err
	}
	r.TimestampNanos, r.Block, r.Sequence = uint64(ts), uint64(block), uint64(sequence)
	return &r, nil
}

func (t *registryTX) RootAt(ctx context.Context, seq uint64) (*types.StateRoot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	r, err := scanRoot(t.tx.QueryRow(ctx, selectRootSQL, int64(seq)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NotFoundf("root %d", seq)
	}
	return r, postgresqlToGRPC(err)
}

func (t *registryTX) RootsInRange(ctx context.Context, from, to uint64) ([]*types.StateRoot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	count, err := t.rootCountLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := storage.CheckRange(count, from, to); err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, selectRootRangeSQL, int64(from), int64(to))
	if err != nil {
		klog.Warningf("Failed to read roots [%d, %d]: %s", from, to, err)
		return nil, postgresqlToGRPC(err)
	}
	defer rows.Close()
	ret := make([]*types.StateRoot, 0, to-from+1)
	for rows.Next() {
		r, err := scanRoot(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	if err := rows.Err(); err != nil {
		return nil, postgresqlToGRPC(err)
	}
	if got, want := uint64(len(ret)), to-from+1; got != want {
		return nil, fmt.Errorf("postgresql: read %d roots in [%d, %d], want %d", got, from, to, want)
	}
	return ret, nil
}

func (t *registryTX) LatestRootWithHash(ctx context.Context, rootHash []byte) (*types.StateRoot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	r, err := scanRoot(t.tx.QueryRow(ctx, selectRootByHashSQL, rootHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NotFoundf("root hash %x", rootHash)
	}
	return r, postgresqlToGRPC(err)
}

func (t *registryTX) AppendRoot(ctx context.Context, root *types.StateRoot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWritableLocked(); err != nil {
		return err
	}
	count, err := t.rootCountLocked(ctx)
	if err != nil {
		return err
	}
	if err := storage.CheckAppend(count, root); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, insertRootSQL, int64(root.Sequence), root.RootHash, int64(root.TimestampNanos), int64(root.Block)); err != nil {
		if isDuplicateErr(err) {
			return fmt.Errorf("postgresql: root %d already stored: %w", root.Sequence, err)
		}
		return postgresqlToGRPC(err)
	}
	t.roots++
	return nil
}

func (t *registryTX) GetIdentity(ctx context.Context, id *big.Int) (*types.IdentityRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	key, err := types.IDKey(id)
	if err != nil {
		return nil, err
	}
	var (
		state                  []byte
		rec                    = types.IdentityRecord{ID: new(big.Int).Set(id)}
		block, ts, transitions int64
	)
	if err := t.tx.QueryRow(ctx, selectIdentitySQL, key).Scan(&state, &rec.IsGenesis, &block, &ts, &transitions); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.NotFoundf("identity %v", id)
		}
		return nil, postgresqlToGRPC(err)
	}
	rec.LatestState = new(big.Int).SetBytes(state)
	rec.LastBlock, rec.LastTimestampNanos, rec.Transitions = uint64(block), uint64(ts), uint64(transitions)
	return &rec, nil
}

func (t *registryTX) SetIdentity(ctx context.Context, rec *types.IdentityRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWritableLocked(); err != nil {
		return err
	}
	key, err := types.IDKey(rec.ID)
	if err != nil {
		return err
	}
	state, err := types.IDKey(rec.LatestState)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, upsertIdentitySQL, key, state, rec.IsGenesis,
		int64(rec.LastBlock), int64(rec.LastTimestampNanos), int64(rec.Transitions))
	return postgresqlToGRPC(err)
}

func (t *registryTX) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return err
	}
	t.closed = true
	if err := t.tx.Commit(ctx); err != nil {
		klog.Warningf("TX commit error: %s", err)
		return postgresqlToGRPC(err)
	}
	return nil
}

// Close rolls back the TX if it is still open, and is a noop otherwise.
func (t *registryTX) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.tx.Rollback(context.TODO()); err != nil {
		klog.Warningf("Rollback error on Close(): %v", err)
		return err
	}
	return nil
}
