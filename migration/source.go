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
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/google/idstate/types"
	"github.com/lib/pq"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// LegacySource is a paginated, block-ordered view of the legacy transition
// log.
type LegacySource interface {
	// ReadPage returns the records of the given page, and whether any pages
	// follow it. A page may be empty while more is true; such gaps are not
	// errors.
	ReadPage(ctx context.Context, page, pageSize uint64) ([]types.LegacyTransition, bool, error)
}

func checkPageSize(pageSize uint64) error {
	if pageSize == 0 {
		return status.Error(codes.InvalidArgument, "migration: page size must be positive")
	}
	return nil
}

// SliceSource serves records held in memory.
type SliceSource []types.LegacyTransition

// ReadPage implements LegacySource.
func (s SliceSource) ReadPage(_ context.Context, page, pageSize uint64) ([]types.LegacyTransition, bool, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, false, err
	}
	n := uint64(len(s))
	start := page * pageSize
	if start >= n {
		return nil, false, nil
	}
	end := start + pageSize
	if end > n {
		end = n
	}
	return s[start:end], end < n, nil
}

const selectLegacyPageSQL = `SELECT Id, State, TimestampNanos, Block
	FROM %s
	ORDER BY Block, LogIndex
	LIMIT $1 OFFSET $2`

// SQLSource reads legacy transitions from a PostgreSQL table with the layout
// of schema/legacy.sql.
type SQLSource struct {
	db    *sql.DB
	query string
}

// NewSQLSource returns a source reading the named table through db.
func NewSQLSource(db *sql.DB, table string) (*SQLSource, error) {
	if table == "" {
		return nil, status.Error(codes.InvalidArgument, "migration: empty legacy table name")
	}
	return &SQLSource{db: db, query: fmt.Sprintf(selectLegacyPageSQL, pq.QuoteIdentifier(table))}, nil
}

// OpenSQLSource connects to the PostgreSQL database at uri.
func OpenSQLSource(ctx context.Context, uri, table string) (*SQLSource, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration: legacy database: %w", err)
	}
	return NewSQLSource(db, table)
}

// Close closes the underlying database handle.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// ReadPage implements LegacySource. One record past the page is fetched to
// learn whether more follow.
func (s *SQLSource) ReadPage(ctx context.Context, page, pageSize uint64) ([]types.LegacyTransition, bool, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, false, err
	}
	rows, err := s.db.QueryContext(ctx, s.query, pageSize+1, page*pageSize)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var recs []types.LegacyTransition
	for rows.Next() {
		var id, state string
		var ts, block int64
		if err := rows.Scan(&id, &state, &ts, &block); err != nil {
			return nil, false, err
		}
		rec, err := legacyRecord(id, state, ts, block)
		if err != nil {
			return nil, false, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	more := uint64(len(recs)) > pageSize
	if more {
		recs = recs[:pageSize]
	}
	klog.V(2).Infof("migration: read %d records from page %d", len(recs), page)
	return recs, more, nil
}

func legacyRecord(id, state string, ts, block int64) (types.LegacyTransition, error) {
	bid, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return types.LegacyTransition{}, status.Errorf(codes.DataLoss, "migration: bad legacy ID %q", id)
	}
	bstate, ok := new(big.Int).SetString(state, 10)
	if !ok {
		return types.LegacyTransition{}, status.Errorf(codes.DataLoss, "migration: bad legacy state %q", state)
	}
	if ts < 0 || block < 0 {
		return types.LegacyTransition{}, status.Errorf(codes.DataLoss, "migration: negative time %d or block %d", ts, block)
	}
	return types.LegacyTransition{ID: bid, State: bstate, TimestampNanos: uint64(ts), Block: uint64(block)}, nil
}
