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
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/google/idstate/monitoring"
	"github.com/google/idstate/storage"
	"k8s.io/klog/v2"
)

var (
	mySQLURI        = flag.String("mysql_uri", "test:zaphod@tcp(127.0.0.1:3306)/test", "MySQL DSN of the registry database")
	maxConns        = flag.Int("mysql_max_conns", 0, "Maximum open connections to the registry database, 0 for no limit")
	maxIdle         = flag.Int("mysql_max_idle_conns", -1, "Maximum idle connections kept in the pool, -1 for the driver default")
	mySQLTLSCA      = flag.String("mysql_tls_ca", "", "PEM file of CA certificates that enables TLS to the registry database")
	mySQLServerName = flag.String("mysql_server_name", "", "TLS server name of the registry database, if it differs from the DSN host")

	// The registry database is opened once per process. A failure to open
	// it is kept so that every caller sees the same error.
	mysqlMu       sync.Mutex
	mysqlErr      error
	mysqlDB       *sql.DB
	mysqlInstance *mysqlProvider
)

func init() {
	if err := storage.RegisterProvider("mysql", newMySQLProvider); err != nil {
		klog.Fatalf("Failed to register storage provider mysql: %v", err)
	}
}

type mysqlProvider struct {
	db *sql.DB
	mf monitoring.MetricFactory
}

func newMySQLProvider(mf monitoring.MetricFactory) (storage.Provider, error) {
	mysqlMu.Lock()
	defer mysqlMu.Unlock()
	if mysqlInstance != nil {
		return mysqlInstance, nil
	}
	if mysqlDB == nil && mysqlErr == nil {
		mysqlDB, mysqlErr = openFromFlags()
	}
	if mysqlErr != nil {
		return nil, mysqlErr
	}
	mysqlInstance = &mysqlProvider{db: mysqlDB, mf: mf}
	return mysqlInstance, nil
}

func openFromFlags() (*sql.DB, error) {
	cfg, err := configFromFlags()
	if err != nil {
		return nil, err
	}
	db, err := openConfig(cfg)
	if err != nil {
		return nil, err
	}
	if *maxConns > 0 {
		db.SetMaxOpenConns(*maxConns)
	}
	if *maxIdle >= 0 {
		db.SetMaxIdleConns(*maxIdle)
	}
	return db, nil
}

// configFromFlags parses --mysql_uri and adds the TLS settings given by
// --mysql_tls_ca and --mysql_server_name.
func configFromFlags() (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(*mySQLURI)
	if err != nil {
		// The DSN is left out as it may hold credentials.
		return nil, fmt.Errorf("invalid --mysql_uri: %w", err)
	}
	if *mySQLTLSCA == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(*mySQLTLSCA)
	if err != nil {
		return nil, fmt.Errorf("mysql CA file error: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("mysql CA file %q holds no PEM certificates", *mySQLTLSCA)
	}
	cfg.TLS = &tls.Config{RootCAs: roots, ServerName: *mySQLServerName}
	return cfg, nil
}

func (s *mysqlProvider) RegistryStorage() storage.RegistryStorage {
	return NewRegistryStorage(s.db, s.mf)
}

func (s *mysqlProvider) Close() error {
	return s.db.Close()
}
