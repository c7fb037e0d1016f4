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

// Package storage defines the transactional storage interfaces of the state
// registry: a content-addressed node store, the root history log, and the
// identity records.
package storage

import (
	"context"
	"math/big"

	"github.com/google/idstate/types"
)

// NodeReader reads tree nodes by hash.
type NodeReader interface {
	// GetNode returns the encoded node stored under hash, or an error
	// wrapping ErrNotFound.
	GetNode(ctx context.Context, hash []byte) ([]byte, error)
}

// NodeWriter adds tree nodes. Nodes are immutable: putting a hash that is
// already stored is a no-op.
type NodeWriter interface {
	PutNode(ctx context.Context, hash, encoded []byte) error
}

// HistoryReader reads the append-only root history.
type HistoryReader interface {
	// RootCount returns the number of roots in the history.
	RootCount(ctx context.Context) (uint64, error)
	// RootAt returns the root with the given sequence number, or an error
	// wrapping ErrNotFound.
	RootAt(ctx context.Context, seq uint64) (*types.StateRoot, error)
	// RootsInRange returns the roots with sequence numbers in [from, to],
	// in sequence order. The range must be within the history.
	RootsInRange(ctx context.Context, from, to uint64) ([]*types.StateRoot, error)
	// LatestRootWithHash returns the root with the highest sequence number
	// whose hash equals rootHash, or an error wrapping ErrNotFound.
	LatestRootWithHash(ctx context.Context, rootHash []byte) (*types.StateRoot, error)
}

// HistoryWriter appends to the root history.
type HistoryWriter interface {
	// AppendRoot adds root to the end of the history. root.Sequence must be
	// equal to the current RootCount.
	AppendRoot(ctx context.Context, root *types.StateRoot) error
}

// IdentityReader reads identity records.
type IdentityReader interface {
	// GetIdentity returns the record of id, or an error wrapping ErrNotFound.
	GetIdentity(ctx context.Context, id *big.Int) (*types.IdentityRecord, error)
}

// IdentityWriter creates or replaces identity records.
type IdentityWriter interface {
	SetIdentity(ctx context.Context, rec *types.IdentityRecord) error
}

// ReadOnlyRegistryTX provides a read-only view into the registry data at a
// single point in time.
type ReadOnlyRegistryTX interface {
	NodeReader
	HistoryReader
	IdentityReader

	// Commit ensures the data read by the TX is consistent in the database.
	// Only after Commit the data read should be regarded as valid.
	Commit(ctx context.Context) error

	// Close attempts to Rollback the TX if it's open, it's a noop otherwise.
	Close() error
}

// RegistryTX is the transactional interface for reading and modifying the
// registry. Either all writes made through it are applied by Commit, or none
// are.
type RegistryTX interface {
	ReadOnlyRegistryTX
	NodeWriter
	HistoryWriter
	IdentityWriter
}

// RegistryTXFunc is the func signature for passing into ReadWriteTransaction.
type RegistryTXFunc func(context.Context, RegistryTX) error

// DatabaseChecker performs connectivity checks on the database.
type DatabaseChecker interface {
	// CheckDatabaseAccessible returns nil if the database is accessible, or an
	// error otherwise.
	CheckDatabaseAccessible(context.Context) error
}

// RegistryStorage should be implemented by concrete storage mechanisms which
// want to back a state registry.
type RegistryStorage interface {
	DatabaseChecker

	// Snapshot starts a new read-only transaction.
	// Commit must be called when the caller is finished with the returned
	// object, and values read through it should only be propagated if Commit
	// returns without error.
	Snapshot(ctx context.Context) (ReadOnlyRegistryTX, error)

	// ReadWriteTransaction starts a RW transaction on the underlying storage,
	// calls f with it, and commits it if f returns no error.
	ReadWriteTransaction(ctx context.Context, f RegistryTXFunc) error
}
