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

package storage

import (
	"fmt"
	"math"

	"github.com/google/idstate/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotFound is returned when a node, root or identity is not stored.
	ErrNotFound = status.Error(codes.NotFound, "storage: not found")
	// ErrTransactionClosed is returned by operations on a committed or
	// rolled back transaction.
	ErrTransactionClosed = status.Error(codes.FailedPrecondition, "storage: transaction closed")
)

// CheckAppend returns an error unless root can be appended to a history of
// count entries by an SQL backend.
func CheckAppend(count uint64, root *types.StateRoot) error {
	if root.Sequence != count {
		return status.Errorf(codes.FailedPrecondition, "storage: appending sequence %d to history of length %d", root.Sequence, count)
	}
	if root.TimestampNanos > math.MaxInt64 || root.Block > math.MaxInt64 {
		return status.Errorf(codes.InvalidArgument, "storage: timestamp %d or block %d out of range", root.TimestampNanos, root.Block)
	}
	return nil
}

// CheckRange returns an error unless [from, to] is a valid range in a
// history of count entries.
func CheckRange(count, from, to uint64) error {
	if from > to || to >= count {
		return status.Errorf(codes.OutOfRange, "storage: range [%d, %d] outside history of length %d", from, to, count)
	}
	return nil
}

// NotFoundf returns an error wrapping ErrNotFound.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
