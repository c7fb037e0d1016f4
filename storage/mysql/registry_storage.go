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

// Package mysql provides a MySQL-based storage layer implementation.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/idstate/monitoring"
	"github.com/google/idstate/storage"
	"github.com/google/idstate/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/go-sql-driver/mysql"
)

const (
	selectNodeSQL = "SELECT Encoded FROM Node WHERE Hash = ?"
	insertNodeSQL = "INSERT INTO Node(Hash, Encoded) VALUES(?, ?)"

	selectRootCountSQL = "SELECT COALESCE(MAX(Sequence) + 1, 0) FROM RootHistory"
	selectRootSQL      = "SELECT RootHash, TimestampNanos, Block, Sequence FROM RootHistory WHERE Sequence = ?"
	selectRootRangeSQL = `SELECT RootHash, TimestampNanos, Block, Sequence FROM RootHistory
		WHERE Sequence >= ? AND Sequence <= ? ORDER BY Sequence`
	selectRootByHashSQL = `SELECT RootHash, TimestampNanos, Block, Sequence FROM RootHistory
		WHERE RootHash = ? ORDER BY Sequence DESC LIMIT 1`
	insertRootSQL = "INSERT INTO RootHistory(Sequence, RootHash, TimestampNanos, Block) VALUES(?, ?, ?, ?)"

	selectIdentitySQL = `SELECT LatestState, IsGenesis, LastBlock, LastTimestampNanos, Transitions
		FROM Identity WHERE Id = ?`
	upsertIdentitySQL = `INSERT INTO Identity(Id, LatestState, IsGenesis, LastBlock, LastTimestampNanos, Transitions)
		VALUES(?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE LatestState = VALUES(LatestState), IsGenesis = VALUES(IsGenesis),
		LastBlock = VALUES(LastBlock), LastTimestampNanos = VALUES(LastTimestampNanos),
		Transitions = VALUES(Transitions)`
)

var (
	once         sync.Once
	nodesWritten monitoring.Counter
	rootsWritten monitoring.Counter
	stmtErrors   monitoring.Counter
)

func createMetrics(mf monitoring.MetricFactory) {
	nodesWritten = mf.NewCounter("mysql_nodes_written", "Number of tree nodes written to MySQL")
	rootsWritten = mf.NewCounter("mysql_roots_written", "Number of roots written to MySQL")
	stmtErrors = mf.NewCounter("mysql_stmt_errors", "Number of statement execution errors")
}

// OpenDB opens a database connection for MySQL-based storage.
func OpenDB(dbURL string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dbURL)
	if err != nil {
		// Don't log uri as it could contain credentials
		klog.Warningf("Could not parse MySQL DSN, check config: %s", err)
		return nil, err
	}
	return openConfig(cfg)
}

// openConfig opens a database whose connections all run in strict mode.
func openConfig(cfg *mysql.Config) (*sql.DB, error) {
	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	cfg.Params["sql_mode"] = "'STRICT_ALL_TABLES'"
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		klog.Warningf("Could not open MySQL database, check config: %s", err)
		return nil, err
	}
	db := sql.OpenDB(conn)
	if err := db.PingContext(context.TODO()); err != nil {
		klog.Warningf("Could not reach MySQL database: %s", err)
		db.Close()
		return nil, err
	}
	return db, nil
}

type registryStorage struct {
	db    *sql.DB
	cache *stmtCache
}

// NewRegistryStorage creates a storage.RegistryStorage instance for the
// given MySQL database.
func NewRegistryStorage(db *sql.DB, mf monitoring.MetricFactory) storage.RegistryStorage {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	once.Do(func() { createMetrics(mf) })
	return &registryStorage{db: db, cache: newStmtCache(db, stmtErrors)}
}

func (s *registryStorage) CheckDatabaseAccessible(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *registryStorage) begin(ctx context.Context, opts *sql.TxOptions) (*registryTX, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		klog.Warningf("Could not start registry TX: %s", err)
		return nil, mysqlToGRPC(err)
	}
	return &registryTX{tx: tx, cache: s.cache, writable: !opts.ReadOnly}, nil
}

func (s *registryStorage) Snapshot(ctx context.Context) (storage.ReadOnlyRegistryTX, error) {
	return s.begin(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
}

func (s *registryStorage) ReadWriteTransaction(ctx context.Context, f storage.RegistryTXFunc) error {
	tx, err := s.begin(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Close(); err != nil {
			klog.Errorf("tx.Close(): %v", err)
		}
	}()
	if err := f(ctx, tx); err != nil {
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
	tx       *sql.Tx
	cache    *stmtCache
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
		return errors.New("mysql: write in read-only transaction")
	}
	return t.checkOpenLocked()
}

func (t *registryTX) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	stmt, err := t.cache.get(ctx, t.tx, query)
	if err != nil {
		return nil, mysqlToGRPC(err)
	}
	res, err := stmt.ExecContext(ctx, args...)
	t.cache.failed(query, err)
	return res, err
}

// queryRow runs query and scans its single result row into dest.
func (t *registryTX) queryRow(ctx context.Context, query string, args []interface{}, dest ...interface{}) error {
	stmt, err := t.cache.get(ctx, t.tx, query)
	if err != nil {
		return mysqlToGRPC(err)
	}
	err = stmt.QueryRowContext(ctx, args...).Scan(dest...)
	t.cache.failed(query, err)
	return err
}

func (t *registryTX) GetNode(ctx context.Context, hash []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	var encoded []byte
	if err := t.queryRow(ctx, selectNodeSQL, []interface{}{hash}, &encoded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.NotFoundf("node %x", hash)
		}
		return nil, mysqlToGRPC(err)
	}
	return encoded, nil
}

func (t *registryTX) PutNode(ctx context.Context, hash, encoded []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWritableLocked(); err != nil {
		return err
	}
	if _, err := t.exec(ctx, insertNodeSQL, hash, encoded); err != nil {
		if isDuplicateErr(err) {
			// Nodes are content-addressed, so an existing row holds the same node.
			return nil
		}
		klog.Warningf("Failed to set merkle node %x: %s", hash, err)
		return mysqlToGRPC(err)
	}
	t.nodes++
	return nil
}

func (t *registryTX) rootCountLocked(ctx context.Context) (uint64, error) {
	var count int64
	if err := t.queryRow(ctx, selectRootCountSQL, nil, &count); err != nil {
		return 0, mysqlToGRPC(err)
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

// rootFields returns scan destinations for r.
func rootFields(r *types.StateRoot, ts, block, seq *int64) []interface{} {
	return []interface{}{&r.RootHash, ts, block, seq}
}

func (t *registryTX) scanOneRoot(ctx context.Context, query string, arg interface{}) (*types.StateRoot, error) {
	var (
		r              types.StateRoot
		ts, block, seq int64
	)
	if err := t.queryRow(ctx, query, []interface{}{arg}, rootFields(&r, &ts, &block, &seq)...); err != nil {
		return nil, err
	}
	r.TimestampNanos, r.Block, r.Sequence = uint64(ts), uint64(block), uint64(seq)
	return &r, nil
}

func (t *registryTX) RootAt(ctx context.Context, seq uint64) (*types.StateRoot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	r, err := t.scanOneRoot(ctx, selectRootSQL, int64(seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFoundf("root %d", seq)
	}
	return r, mysqlToGRPC(err)
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
	stmt, err := t.cache.get(ctx, t.tx, selectRootRangeSQL)
	if err != nil {
		return nil, mysqlToGRPC(err)
	}
	rows, err := stmt.QueryContext(ctx, int64(from), int64(to))
	if err != nil {
		t.cache.failed(selectRootRangeSQL, err)
		klog.Warningf("Failed to read roots [%d, %d]: %s", from, to, err)
		return nil, mysqlToGRPC(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			klog.Errorf("rows.Close(): %v", err)
		}
	}()
	ret := make([]*types.StateRoot, 0, to-from+1)
	for rows.Next() {
		var (
			r              types.StateRoot
			ts, block, seq int64
		)
		if err := rows.Scan(rootFields(&r, &ts, &block, &seq)...); err != nil {
			return nil, err
		}
		r.TimestampNanos, r.Block, r.Sequence = uint64(ts), uint64(block), uint64(seq)
		ret = append(ret, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, mysqlToGRPC(err)
	}
	if got, want := uint64(len(ret)), to-from+1; got != want {
		return nil, fmt.Errorf("mysql: read %d roots in [%d, %d], want %d", got, from, to, want)
	}
	return ret, nil
}

func (t *registryTX) LatestRootWithHash(ctx context.Context, rootHash []byte) (*types.StateRoot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	r, err := t.scanOneRoot(ctx, selectRootByHashSQL, rootHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFoundf("root hash %x", rootHash)
	}
	return r, mysqlToGRPC(err)
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
	if _, err := t.exec(ctx, insertRootSQL, int64(root.Sequence), root.RootHash, int64(root.TimestampNanos), int64(root.Block)); err != nil {
		if isDuplicateErr(err) {
			// Another writer appended since this transaction read the
			// history length.
			return status.Errorf(codes.Aborted, "mysql: root %d appended concurrently: %v", root.Sequence, err)
		}
		return mysqlToGRPC(err)
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
	if err := t.queryRow(ctx, selectIdentitySQL, []interface{}{key}, &state, &rec.IsGenesis, &block, &ts, &transitions); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.NotFoundf("identity %v", id)
		}
		return nil, mysqlToGRPC(err)
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
	_, err = t.exec(ctx, upsertIdentitySQL, key, state, rec.IsGenesis,
		int64(rec.LastBlock), int64(rec.LastTimestampNanos), int64(rec.Transitions))
	return mysqlToGRPC(err)
}

func (t *registryTX) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return err
	}
	t.closed = true
	if err := t.tx.Commit(); err != nil {
		klog.Warningf("TX commit error: %s", err)
		return mysqlToGRPC(err)
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
	if err := t.tx.Rollback(); err != nil {
		klog.Warningf("Rollback error on Close(): %v", err)
		return err
	}
	return nil
}
