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

// Package hashers defines the node hashing strategies of the sparse Merkle
// tree, and a registry to select one by name.
package hashers

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// HashStrategy identifies a node hashing algorithm.
type HashStrategy int

const (
	// UnknownHashStrategy is the zero value and is never registered.
	UnknownHashStrategy HashStrategy = iota
	// SHA256 hashes the canonical node encoding with SHA-256.
	SHA256
	// Poseidon hashes node fields with the Poseidon permutation over the
	// BN254 scalar field, as used by iden3 identity trees.
	Poseidon
)

var strategyNames = map[HashStrategy]string{
	UnknownHashStrategy: "UNKNOWN_HASH_STRATEGY",
	SHA256:              "SHA256",
	Poseidon:            "POSEIDON",
}

func (s HashStrategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("HashStrategy(%d)", int(s))
}

// ParseHashStrategy returns the strategy with the given case-insensitive
// name.
func ParseHashStrategy(name string) (HashStrategy, error) {
	for s, n := range strategyNames {
		if s != UnknownHashStrategy && strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return UnknownHashStrategy, fmt.Errorf("unknown hash strategy %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s HashStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *HashStrategy) UnmarshalText(b []byte) error {
	p, err := ParseHashStrategy(string(b))
	if err != nil {
		return err
	}
	*s = p
	return nil
}

// Hasher provides the hash functions needed to compute sparse Merkle trees
// of leaf and middle nodes.
type Hasher interface {
	// HashLeaf computes the hash of a leaf holding value under key. Both must
	// be non-negative and fit the hasher's input domain.
	HashLeaf(key, value *big.Int) ([]byte, error)
	// CheckInput returns an error if v, a non-negative integer of at most
	// 256 bits, is outside the domain HashLeaf accepts for keys and values.
	CheckInput(v *big.Int) error
	// HashChildren computes the hash of a middle node from the hashes of its
	// children.
	HashChildren(l, r []byte) ([]byte, error)
	// EmptyHash returns the hash of an empty subtree. It is all zeroes, and
	// the returned slice must not be modified.
	EmptyHash() []byte
	// Size is the number of bytes in a hash.
	Size() int
}

var (
	mu      sync.RWMutex
	hashers = make(map[HashStrategy]Hasher)
)

// Register registers a hasher for use.
func Register(s HashStrategy, h Hasher) {
	mu.Lock()
	defer mu.Unlock()
	if s == UnknownHashStrategy {
		panic(fmt.Sprintf("Register(%s) of unknown hasher", s))
	}
	if hashers[s] != nil {
		panic(fmt.Sprintf("%v already registered as a Hasher", s))
	}
	hashers[s] = h
}

// New returns the Hasher registered for the strategy.
func New(s HashStrategy) (Hasher, error) {
	mu.RLock()
	defer mu.RUnlock()
	if h := hashers[s]; h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("Hasher(%s) is an unknown hasher", s)
}
