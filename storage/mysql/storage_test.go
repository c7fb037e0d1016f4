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
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/google/idstate/storage"
	"github.com/google/idstate/storage/mysql/testdb"
	"github.com/google/idstate/storage/testonly"
	"github.com/google/idstate/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

var allTables = []string{"Node", "RootHistory", "Identity"}

// DB is the database used for tests. It's initialized and closed by TestMain().
var DB *sql.DB

func cleanTestDB(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range allTables {
		if _, err := db.ExecContext(context.Background(), fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			t.Fatalf("Failed to delete rows in %s: %v", table, err)
		}
	}
}

func TestRegistryStorage(t *testing.T) {
	testdb.SkipIfNoMySQL(t)
	tester := &testonly.RegistryStorageTester{
		NewRegistryStorage: func(t *testing.T) storage.RegistryStorage {
			cleanTestDB(t, DB)
			return NewRegistryStorage(DB, nil)
		},
	}
	tester.RunAllTests(t)
}

func TestStmtCacheReuse(t *testing.T) {
	testdb.SkipIfNoMySQL(t)
	ctx := context.Background()
	cleanTestDB(t, DB)
	s := NewRegistryStorage(DB, nil).(*registryStorage)
	for i := 0; i < 3; i++ {
		if err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.RegistryTX) error {
			return tx.PutNode(ctx, []byte{byte(i)}, []byte("node"))
		}); err != nil {
			t.Fatalf("ReadWriteTransaction(): %v", err)
		}
	}
	if got, want := s.cache.len(), 1; got != want {
		t.Errorf("cached statements = %d, want %d", got, want)
	}
}

func TestConcurrentAppendAborts(t *testing.T) {
	testdb.SkipIfNoMySQL(t)
	ctx := context.Background()
	cleanTestDB(t, DB)
	s := NewRegistryStorage(DB, nil)
	root := &types.StateRoot{RootHash: []byte("root"), TimestampNanos: 1, Block: 1}

	counted := make(chan struct{})
	committed := make(chan error, 1)
	go func() {
		<-counted
		committed <- s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.RegistryTX) error {
			return tx.AppendRoot(ctx, root)
		})
	}()
	err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.RegistryTX) error {
		if n, err := tx.RootCount(ctx); err != nil || n != 0 {
			return fmt.Errorf("RootCount() = %d, %v; want 0", n, err)
		}
		close(counted)
		if err := <-committed; err != nil {
			return fmt.Errorf("concurrent AppendRoot(): %v", err)
		}
		return tx.AppendRoot(ctx, root)
	})
	if status.Code(err) != codes.Aborted {
		t.Errorf("AppendRoot() racing another writer: %v, want Aborted", err)
	}
}

func TestMain(m *testing.M) {
	flag.Parse()
	if !testdb.MySQLAvailable() {
		klog.Errorf("MySQL not available, skipping all MySQL storage tests")
		os.Exit(m.Run())
	}
	ctx := context.Background()
	db, done, err := testdb.NewRegistryDB(ctx)
	if err != nil {
		klog.Exitf("Failed to open test database: %v", err)
	}
	DB = db
	status := m.Run()
	done(ctx)
	os.Exit(status)
}
