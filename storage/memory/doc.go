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

// Package memory provides a simple in-process implementation of the registry
// storage interfaces.
//
// The storage implementation is based on a BTree, which provides an ordered
// key-value space which can be used to store arbitrary items, as well as
// scan ranges of keys in order.
//
// Every transaction works on a copy-on-write clone of the BTree. Writable
// transactions exclusively lock the storage until they are committed or
// rolled back, and publish their clone on commit. Read-only transactions
// never block on writers: they read the clone taken when they started.
package memory
