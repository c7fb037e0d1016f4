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
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Errors returned for rejected transitions. None of them leaves any trace in
// storage.
var (
	ErrInvalidTransitionProof     = status.Error(codes.PermissionDenied, "registry: invalid transition proof")
	ErrStaleState                 = status.Error(codes.FailedPrecondition, "registry: old state is not the latest state")
	ErrDuplicateTransitionInBlock = status.Error(codes.AlreadyExists, "registry: identity already transitioned in this block")
	ErrGenesisStateMismatch       = status.Error(codes.FailedPrecondition, "registry: identity is past its genesis state")
	ErrIdentityNotFound           = status.Error(codes.NotFound, "registry: identity not found")
)
