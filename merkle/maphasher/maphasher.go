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

// Package maphasher provides hashing for sparse Merkle trees over the
// canonical node encoding.
package maphasher

import (
	"crypto"
	_ "crypto/sha256" // SHA256 is the default algorithm.
	"fmt"
	"math/big"

	"github.com/google/idstate/merkle/hashers"
	"k8s.io/klog/v2"
)

func init() {
	hashers.Register(hashers.SHA256, Default)
}

// Domain separation prefixes of the canonical node encoding.
const (
	LeafPrefix   = 1
	MiddlePrefix = 2
)

// KeySize is the number of bytes a leaf key or value occupies in the
// canonical encoding.
const KeySize = 32

// Default is a SHA256 based MapHasher for maps.
var Default = New(crypto.SHA256)

// MapHasher implements a sparse Merkle tree hashing algorithm. Leaves are
// hashed as H(0x01 || key || value) and middle nodes as H(0x02 || l || r).
// The hash of an empty subtree is all zeroes.
type MapHasher struct {
	crypto.Hash
	empty []byte
}

// New creates a new hashers.Hasher using the passed in hash function.
func New(h crypto.Hash) *MapHasher {
	return &MapHasher{Hash: h, empty: make([]byte, h.Size())}
}

// String returns a string representation for debugging.
func (m *MapHasher) String() string {
	return fmt.Sprintf("MapHasher{%v}", m.Hash)
}

// EmptyHash returns the hash of an empty subtree.
func (m *MapHasher) EmptyHash() []byte {
	return m.empty
}

// HashLeaf returns the Merkle tree leaf hash of the leaf encoding.
func (m *MapHasher) HashLeaf(key, value *big.Int) ([]byte, error) {
	enc, err := EncodeLeaf(key, value)
	if err != nil {
		return nil, err
	}
	h := m.New()
	h.Write(enc)
	r := h.Sum(nil)
	if klog.V(5).Enabled() {
		klog.Infof("HashLeaf(%x, %x): %x", key, value, r)
	}
	return r, nil
}

// CheckInput returns an error unless v fits in KeySize bytes.
func (m *MapHasher) CheckInput(v *big.Int) error {
	return checkField("input", v)
}

// HashChildren returns the internal Merkle tree node hash of the two child
// nodes.
func (m *MapHasher) HashChildren(l, r []byte) ([]byte, error) {
	if len(l) != m.Size() || len(r) != m.Size() {
		return nil, fmt.Errorf("HashChildren: child hash sizes %d and %d, want %d", len(l), len(r), m.Size())
	}
	h := m.New()
	h.Write([]byte{MiddlePrefix})
	h.Write(l)
	h.Write(r)
	return h.Sum(nil), nil
}

// EncodeLeaf returns the canonical encoding 0x01 || key || value of a leaf,
// where key and value are big-endian and padded to KeySize bytes.
func EncodeLeaf(key, value *big.Int) ([]byte, error) {
	if err := checkField("key", key); err != nil {
		return nil, err
	}
	if err := checkField("value", value); err != nil {
		return nil, err
	}
	b := make([]byte, 1+2*KeySize)
	b[0] = LeafPrefix
	key.FillBytes(b[1 : 1+KeySize])
	value.FillBytes(b[1+KeySize:])
	return b, nil
}

func checkField(name string, v *big.Int) error {
	switch {
	case v == nil:
		return fmt.Errorf("%s is nil", name)
	case v.Sign() < 0:
		return fmt.Errorf("%s %v is negative", name, v)
	case v.BitLen() > KeySize*8:
		return fmt.Errorf("%s has %d bits, want at most %d", name, v.BitLen(), KeySize*8)
	}
	return nil
}
