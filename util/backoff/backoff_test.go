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

package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestBackoff(t *testing.T) {
	b := Backoff{
		Min:    time.Duration(1),
		Max:    time.Duration(100),
		Factor: 2,
	}
	for _, test := range []struct {
		b     Backoff
		times int
		want  time.Duration
	}{
		{b, 1, time.Duration(1)},
		{b, 2, time.Duration(2)},
		{b, 3, time.Duration(4)},
		{b, 4, time.Duration(8)},
		{b, 8, time.Duration(100)},
	} {
		test.b.Reset()
		var got time.Duration
		for i := 0; i < test.times; i++ {
			got = test.b.Duration()
		}
		if got != test.want {
			t.Errorf("Duration() %v times: %v, want %v", test.times, got, test.want)
		}
	}
}

func TestJitter(t *testing.T) {
	b := Backoff{
		Min:    time.Second,
		Max:    100 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for _, test := range []struct {
		times    int
		min, max time.Duration
	}{
		{1, time.Second, 2 * time.Second},
		{3, 4 * time.Second, 8 * time.Second},
		{8, 100 * time.Second, 200 * time.Second},
	} {
		b.Reset()
		var got time.Duration
		for i := 0; i < test.times; i++ {
			got = b.Duration()
		}
		if got < test.min || got > test.max {
			t.Errorf("Duration() %v times = %v, want in [%v, %v]", test.times, got, test.min, test.max)
		}
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	aborted := status.Error(codes.Aborted, "serialization failure")
	invalid := status.Error(codes.InvalidArgument, "bad input")
	for _, tc := range []struct {
		desc      string
		errs      []error
		attempts  int
		retry     []codes.Code
		wantCalls int
		wantErr   error
	}{
		{desc: "success", errs: nil, retry: Transient, wantCalls: 1},
		{desc: "transient-then-success", errs: []error{aborted, aborted}, retry: Transient, wantCalls: 3},
		{desc: "permanent", errs: []error{invalid, nil}, retry: Transient, wantCalls: 1, wantErr: invalid},
		{desc: "any-error", errs: []error{invalid}, wantCalls: 2},
		{desc: "out-of-attempts", errs: []error{aborted, aborted, aborted, aborted}, attempts: 3, retry: Transient, wantCalls: 3, wantErr: aborted},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			b := &Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, Attempts: tc.attempts}
			calls := 0
			err := b.Retry(ctx, func() error {
				calls++
				if calls <= len(tc.errs) {
					return tc.errs[calls-1]
				}
				return nil
			}, tc.retry...)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Retry(): %v, want %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Errorf("Retry() made %d calls, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := Default()
	called := false
	if err := b.Retry(ctx, func() error { called = true; return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Retry(): %v, want context.Canceled", err)
	}
	if called {
		t.Error("Retry() called f with a done context")
	}

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	b = &Backoff{Min: time.Hour, Max: time.Hour, Factor: 1}
	aborted := status.Error(codes.Aborted, "conflict")
	if err := b.Retry(ctx, func() error { return aborted }, Transient...); err != aborted {
		t.Errorf("Retry(): %v, want %v", err, aborted)
	}
}
