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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/idstate/merkle/hashers"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		yaml    string
		want    *Config
		wantErr string
	}{
		{desc: "empty", yaml: "", want: Default()},
		{
			desc: "full",
			yaml: `
tree_depth: 64
hash_strategy: sha256
storage_system: postgresql
migration:
  page_size: 500
  legacy_table: Legacy
`,
			want: &Config{
				TreeDepth:     64,
				HashStrategy:  "sha256",
				StorageSystem: "postgresql",
				Migration:     MigrationConfig{PageSize: 500, LegacyTable: "Legacy"},
			},
		},
		{
			desc: "partial",
			yaml: "tree_depth: 8\n",
			want: func() *Config {
				c := Default()
				c.TreeDepth = 8
				return c
			}(),
		},
		{desc: "depth-zero", yaml: "tree_depth: 0\n", wantErr: "tree_depth"},
		{desc: "depth-too-big", yaml: "tree_depth: 257\n", wantErr: "tree_depth"},
		{desc: "bad-hasher", yaml: "hash_strategy: md5\n", wantErr: "unknown hash strategy"},
		{desc: "no-storage", yaml: "storage_system: \"\"\n", wantErr: "storage_system"},
		{desc: "bad-page-size", yaml: "migration:\n  page_size: 0\n", wantErr: "page_size"},
		{desc: "unknown-field", yaml: "tree_width: 3\n", wantErr: "tree_width"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := Parse([]byte(tc.yaml))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("Parse(): %v, want error containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(): %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Parse() diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStrategy(t *testing.T) {
	c := Default()
	c.HashStrategy = "SHA256"
	if s, err := c.Strategy(); err != nil || s != hashers.SHA256 {
		t.Errorf("Strategy() = %v, %v; want SHA256", s, err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	c := Default()
	c.TreeDepth = 12
	c.StorageSystem = "mysql"
	data, err := c.Marshal()
	if err != nil {
		t.Fatalf("Marshal(): %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile(): %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("Load() diff (-want +got):\n%s", diff)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing): got nil error")
	}
}
