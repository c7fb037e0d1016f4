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

// Package node implements bit-string paths through a sparse Merkle tree.
package node

import (
	"fmt"
	"math/big"
)

// ID identifies a position in a sparse Merkle tree. It is a bit string that
// counts the position down from the tree root: 0 and 1 bits mean going to the
// left and right child correspondingly.
//
// ID is immutable and comparable, so it can be used as a map key. The path
// bytes are kept in a string, and the possibly incomplete last byte is kept
// separately so that Prefix and Sibling do not allocate.
//
// For example, an 11-bit ID [1010,1111,001] is stored as path [1010,1111],
// last [0010,0000] and bits 3.
type ID struct {
	path string
	last byte  // Invariant: The unused lower (8-bits) bits are unset.
	bits uint8 // Invariant: 1 <= bits <= 8, or bits == 0 for the empty ID.
}

// NewID creates an ID from the given path bytes truncated to the specified
// number of bits. Panics if the bytes are too short.
func NewID(path string, bits uint) ID {
	if bits == 0 {
		return ID{}
	} else if mx := uint(len(path)) * 8; bits > mx {
		panic(fmt.Sprintf("NewID: bits %d > %d", bits, mx))
	}
	bytes, tailBits := split(bits)
	return newMaskedID(path[:bytes], path[bytes], tailBits)
}

// NewIDFromKey returns the depth-bit path of the given key. The path is made
// of the lowest depth bits of the key, most significant first, so keys below
// 2^depth map to distinct paths. Panics if depth is 0 or above 256, or if the
// key is negative.
func NewIDFromKey(key *big.Int, depth uint) ID {
	if depth == 0 || depth > 256 {
		panic(fmt.Sprintf("NewIDFromKey: depth %d out of [1, 256]", depth))
	}
	if key.Sign() < 0 {
		panic("NewIDFromKey: negative key")
	}
	size := (depth + 7) / 8
	v := new(big.Int).SetBit(new(big.Int), int(depth), 1)
	v.Sub(v, big.NewInt(1)).And(v, key)
	// Left-align the path bits within the byte string.
	v.Lsh(v, size*8-depth)
	return NewID(string(v.FillBytes(make([]byte, size))), depth)
}

func newMaskedID(path string, last byte, bits uint8) ID {
	last &= ^byte(1<<(8-bits) - 1)
	return ID{path: path, last: last, bits: bits}
}

// BitLen returns the length of the ID in bits.
func (n ID) BitLen() uint {
	return uint(len(n.path))*8 + uint(n.bits)
}

// Bit returns the i-th bit of the ID counting from the root, i.e. 0 if the
// path goes to the left child at depth i, and 1 otherwise. Panics if i is not
// less than BitLen.
func (n ID) Bit(i uint) uint {
	if ln := n.BitLen(); i >= ln {
		panic(fmt.Sprintf("Bit: %d >= %d", i, ln))
	}
	b := n.last
	if idx := i / 8; idx < uint(len(n.path)) {
		b = n.path[idx]
	}
	return uint(b>>(7-i%8)) & 1
}

// Prefix returns the prefix of the ID with the given number of bits.
func (n ID) Prefix(bits uint) ID {
	if bits == 0 {
		return ID{}
	} else if mx := n.BitLen(); bits > mx {
		panic(fmt.Sprintf("Prefix: bits %d > %d", bits, mx))
	}
	bytes, tailBits := split(bits)
	last := n.last
	if bytes != uint(len(n.path)) {
		last = n.path[bytes]
	}
	return newMaskedID(n.path[:bytes], last, tailBits)
}

// Sibling returns the ID of the other child of this node's parent. The empty
// ID is its own sibling.
func (n ID) Sibling() ID {
	if n.bits == 0 {
		return n
	}
	last := n.last ^ byte(1<<(8-n.bits))
	return ID{path: n.path, last: last, bits: n.bits}
}

// CommonPrefixLen returns the number of leading bits that both IDs share,
// starting the comparison at the given bit.
func CommonPrefixLen(a, b ID, from uint) uint {
	ln := a.BitLen()
	if bl := b.BitLen(); bl < ln {
		ln = bl
	}
	i := from
	for ; i < ln && a.Bit(i) == b.Bit(i); i++ {
	}
	return i
}

// String returns a human-readable bit string.
func (n ID) String() string {
	if n.BitLen() == 0 {
		return "[]"
	}
	path := fmt.Sprintf("%08b", []byte(n.path))
	path = path[1 : len(path)-1] // Trim the brackets.
	if len(path) > 0 {
		path += " "
	}
	return fmt.Sprintf("[%s%0*b]", path, n.bits, n.last>>(8-n.bits))
}

// split returns the number of full bytes and the number of bits in the tail
// byte of an ID with the given number of bits.
func split(bits uint) (bytes uint, tailBits uint8) {
	return (bits - 1) / 8, uint8(1 + (bits-1)%8)
}
