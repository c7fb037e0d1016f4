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

// Package backoff retries operations that fail with transient errors, such
// as aborted storage transactions, pausing for exponentially longer between
// attempts.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Transient holds the error codes retried by default: storage conflicts and
// temporarily unreachable backends.
var Transient = []codes.Code{codes.Aborted, codes.Unavailable, codes.ResourceExhausted}

// Backoff specifies the parameters of the backoff algorithm. Works correctly
// if 0 < Min <= Max <= 2^62 (nanosec), and Factor >= 1.
type Backoff struct {
	Min    time.Duration // Duration of the first pause.
	Max    time.Duration // Max duration of a pause.
	Factor float64       // The factor of duration increase between iterations.
	Jitter bool          // Add random noise to pauses.
	// Attempts caps the calls made by Retry. Zero means no cap.
	Attempts int

	delta time.Duration // Current pause duration relative to Min, no jitter.
}

// Default returns the backoff used around storage transactions.
func Default() *Backoff {
	return &Backoff{Min: 10 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true, Attempts: 8}
}

// Duration returns the time to wait on current retry iteration.
// Every time Duration is called, the returned value will exponentially
// increase by Factor until Backoff.Max. If Jitter is enabled, will wait an
// additional random value between 0 and Factor^x * Min, capped by Backoff.Max.
func (b *Backoff) Duration() time.Duration {
	pause := b.Min + b.delta

	newPause := time.Duration(float64(pause) * b.Factor)
	if newPause > b.Max || newPause < b.Min { // Multiplication could overflow.
		newPause = b.Max
	}
	b.delta = newPause - b.Min

	if b.Jitter {
		pause += time.Duration(rand.Int63n(int64(pause)))
	}
	return pause
}

// Reset sets the internal state back to first iteration.
func (b *Backoff) Reset() {
	b.delta = 0
}

func retriable(err error, retry []codes.Code) bool {
	if len(retry) == 0 {
		return true
	}
	c := status.Code(err)
	for _, r := range retry {
		if c == r {
			return true
		}
	}
	return false
}

// Retry calls f until it succeeds, fails with an error whose code is not in
// retry, runs out of attempts, or ctx is done. An empty retry list retries
// every error. The most recent error is returned. Backoff is reset before
// the first attempt.
func (b *Backoff) Retry(ctx context.Context, f func() error, retry ...codes.Code) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	b.Reset()
	for attempt := 1; ; attempt++ {
		err := f()
		if err == nil {
			return nil
		}
		if !retriable(err, retry) || (b.Attempts > 0 && attempt >= b.Attempts) {
			return err
		}
		pause := b.Duration()
		klog.V(1).Infof("backoff: attempt %d failed, retrying in %v: %v", attempt, pause, err)
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return err
		}
	}
}
