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

// Package testdbpgx creates new PostgreSQL databases for tests.
package testdbpgx

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // Register the postgres driver.
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const (
	// PostgreSQLURIEnv is the name of the ENV variable checked for the test
	// PostgreSQL instance URI to use.
	PostgreSQLURIEnv = "TEST_POSTGRESQL_URI"

	defaultTestPostgreSQLURI = "postgresql:///defaultdb?host=localhost&user=postgres&password=postgres"
)

// schemaPath returns the path of the registry schema relative to this file.
func schemaPath() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		panic("cannot get caller information")
	}
	return filepath.Join(filepath.Dir(file), "..", "schema", "storage.sql")
}

// postgresqlURI returns the PostgreSQL connection URI to use for tests. It
// returns the value in the ENV variable defined by PostgreSQLURIEnv, or
// defaultTestPostgreSQLURI if it is empty. A ref without "=" replaces the
// database name, otherwise it is appended as a parameter.
//
// An ENV variable is used rather than a flag so that it can be applied to
// every "go test" invocation, whether or not the package needs a database.
func postgresqlURI(dbRef ...string) string {
	stringurl := defaultTestPostgreSQLURI
	if e := os.Getenv(PostgreSQLURIEnv); len(e) > 0 {
		stringurl = e
	}
	for _, ref := range dbRef {
		if strings.Contains(ref, "=") {
			separator := "&"
			if strings.HasSuffix(stringurl, "&") {
				separator = ""
			}
			stringurl = strings.Join([]string{stringurl, ref}, separator)
			continue
		}
		if s1 := strings.SplitN(stringurl, "//", 2); len(s1) == 2 {
			if s2 := strings.SplitN(stringurl, "?", 2); len(s2) == 2 {
				stringurl = s1[0] + "///" + ref + "?" + s2[1]
			}
		}
	}
	return stringurl
}

// PostgreSQLAvailable indicates whether the configured PostgreSQL database is
// available.
func PostgreSQLAvailable() bool {
	ctx := context.Background()
	db, err := pgxpool.New(ctx, postgresqlURI())
	if err != nil {
		log.Printf("pgxpool.New(): %v", err)
		return false
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		log.Printf("db.Ping(): %v", err)
		return false
	}
	return true
}

// SetFDLimit sets the soft limit on the maximum number of open file
// descriptors. See http://man7.org/linux/man-pages/man2/setrlimit.2.html
func SetFDLimit(uLimit uint64) error {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	if uLimit > rLimit.Max {
		return fmt.Errorf("could not set FD limit to %v. Must be less than the hard limit %v", uLimit, rLimit.Max)
	}
	rLimit.Cur = uLimit
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit)
}

// createEmptyDB creates a new, randomly named, empty database. It returns
// the database name and a clean-up function which drops it.
func createEmptyDB(ctx context.Context) (string, func(context.Context), error) {
	if err := SetFDLimit(2048); err != nil {
		return "", nil, err
	}
	admin, err := pgxpool.New(ctx, postgresqlURI())
	if err != nil {
		return "", nil, err
	}
	defer admin.Close()
	name := fmt.Sprintf("idstate_%v", time.Now().UnixNano())
	stmt := fmt.Sprintf("CREATE DATABASE %v", name)
	if _, err := admin.Exec(ctx, stmt); err != nil {
		return "", nil, fmt.Errorf("error running statement %q: %v", stmt, err)
	}
	drop := func(ctx context.Context) {
		admin, err := pgxpool.New(ctx, postgresqlURI())
		if err != nil {
			klog.Warningf("Failed to reconnect: %v", err)
			return
		}
		defer admin.Close()
		if _, err := admin.Exec(ctx, fmt.Sprintf("DROP DATABASE %v", name)); err != nil {
			klog.Warningf("Failed to drop test database %q: %v", name, err)
		}
	}
	return name, drop, nil
}

// newEmptyDB creates a new, randomly named, empty database. It returns the
// database handle and a clean-up function which drops the database. The
// handle must not be used after calling the clean-up function.
func newEmptyDB(ctx context.Context) (*pgxpool.Pool, func(context.Context), error) {
	name, drop, err := createEmptyDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	db, err := pgxpool.New(ctx, postgresqlURI(name))
	if err != nil {
		drop(ctx)
		return nil, nil, err
	}
	done := func(ctx context.Context) {
		db.Close()
		drop(ctx)
	}
	return db, done, db.Ping(ctx)
}

// NewSQLDB creates a new, randomly named, empty database and opens it through
// database/sql with the lib/pq driver, as used by tools that read legacy
// tables. The clean-up function closes the handle and drops the database.
func NewSQLDB(ctx context.Context) (*sql.DB, func(context.Context), error) {
	name, drop, err := createEmptyDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("postgres", postgresqlURI(name))
	if err != nil {
		drop(ctx)
		return nil, nil, err
	}
	done := func(ctx context.Context) {
		if err := db.Close(); err != nil {
			klog.Warningf("db.Close(): %v", err)
		}
		drop(ctx)
	}
	return db, done, db.PingContext(ctx)
}

// NewRegistryDB creates an empty database with the registry schema.
func NewRegistryDB(ctx context.Context) (*pgxpool.Pool, func(context.Context), error) {
	db, done, err := newEmptyDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	sqlBytes, err := os.ReadFile(schemaPath())
	if err != nil {
		done(ctx)
		return nil, nil, err
	}
	// Each statement in the schema ends with a semicolon at the end of a line.
	for _, stmt := range strings.Split(sanitize(string(sqlBytes)), ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(ctx, stmt); err != nil {
			done(ctx)
			return nil, nil, fmt.Errorf("error running statement %q: %v", stmt, err)
		}
	}
	return db, done, nil
}

func sanitize(script string) string {
	buf := &bytes.Buffer{}
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' || strings.HasPrefix(line, "--") {
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	return buf.String()
}

// SkipIfNoPostgreSQL is a test helper that skips tests that require a local
// PostgreSQL.
func SkipIfNoPostgreSQL(t *testing.T) {
	t.Helper()
	if !PostgreSQLAvailable() {
		t.Skip("Skipping test as PostgreSQL not available")
	}
	t.Logf("Test PostgreSQL available at %q", postgresqlURI())
}
