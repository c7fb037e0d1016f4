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

package mysql

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/google/idstate/monitoring"
	"k8s.io/klog/v2"
)

// stmtCache holds statements prepared on the database, so that transactions
// can bind them with Tx.StmtContext instead of preparing them again. A
// statement which fails to execute is closed and evicted.
type stmtCache struct {
	db     *sql.DB
	errors monitoring.Counter

	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

func newStmtCache(db *sql.DB, errs monitoring.Counter) *stmtCache {
	return &stmtCache{
		db:     db,
		errors: errs,
		stmts:  make(map[string]*sql.Stmt),
	}
}

// get returns the statement for query bound to tx.
func (c *stmtCache) get(ctx context.Context, tx *sql.Tx, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stmts[query]
	if !ok {
		var err error
		if s, err = c.db.PrepareContext(ctx, query); err != nil {
			klog.Warningf("Failed to prepare statement: %s", err)
			return nil, err
		}
		c.stmts[query] = s
	}
	return tx.StmtContext(ctx, s), nil
}

// failed evicts the statement for query after an execution error. Errors
// meaning "no rows" do not evict.
func (c *stmtCache) failed(query string, err error) {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return
	}
	c.errors.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stmts[query]; ok {
		delete(c.stmts, query)
		if err := s.Close(); err != nil {
			klog.Warningf("Failed to close stmt: %s", err)
		}
	}
}

func (c *stmtCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stmts)
}
