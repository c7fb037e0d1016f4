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

package registry

import (
	"fmt"

	"github.com/google/idstate/config"
	"github.com/google/idstate/merkle/hashers"
	"github.com/google/idstate/merkle/smt"
	"github.com/google/idstate/monitoring"
	"github.com/google/idstate/storage"
	"github.com/google/idstate/util/clock"
	"github.com/google/idstate/verifier"

	// Register the node hashers selectable by config.
	_ "github.com/google/idstate/merkle/maphasher"
	_ "github.com/google/idstate/merkle/poseidon"
)

// NewTree returns the tree described by cfg.
func NewTree(cfg *config.Config) (*smt.Tree, error) {
	s, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}
	h, err := hashers.New(s)
	if err != nil {
		return nil, err
	}
	return smt.NewTree(h, cfg.TreeDepth)
}

// Open builds a Registry from cfg on the configured storage provider, which
// the binary must have linked in. The caller must Close the returned provider
// once done with the Registry.
func Open(cfg *config.Config, v verifier.ProofVerifier, l clock.Ledger, mf monitoring.MetricFactory) (*Registry, storage.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	tree, err := NewTree(cfg)
	if err != nil {
		return nil, nil, err
	}
	sp, err := storage.NewProvider(cfg.StorageSystem, mf)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: storage provider %q: %w", cfg.StorageSystem, err)
	}
	r, err := New(Options{
		Tree:          tree,
		Storage:       sp.RegistryStorage(),
		Verifier:      v,
		Ledger:        l,
		MetricFactory: mf,
	})
	if err != nil {
		sp.Close()
		return nil, nil, err
	}
	return r, sp, nil
}
