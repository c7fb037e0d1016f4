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

// Package clock contains the host ledger clock, and types that allow mocking
// ledger time and block height in tests.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Ledger supplies the wall-clock time and block height of the host ledger at
// the moment of a call.
type Ledger interface {
	// Now returns the current time as seen by this Ledger.
	Now() time.Time
	// Height returns the current block height. It never decreases.
	Height() uint64
}

// SecondsSince returns the time in seconds elapsed since t until now, as
// measured by the Ledger.
func SecondsSince(l Ledger, t time.Time) float64 {
	return l.Now().Sub(t).Seconds()
}

// systemLedger derives block heights from system time at a fixed block
// interval.
type systemLedger struct {
	genesis  time.Time
	interval time.Duration
}

// NewSystem returns a Ledger that reports the system time, and one block per
// interval since genesis.
func NewSystem(genesis time.Time, interval time.Duration) (Ledger, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("clock: block interval %v must be positive", interval)
	}
	return systemLedger{genesis: genesis, interval: interval}, nil
}

// Now returns the true current local time.
func (s systemLedger) Now() time.Time {
	return time.Now()
}

// Height returns the number of whole intervals since genesis.
func (s systemLedger) Height() uint64 {
	d := time.Since(s.genesis)
	if d < 0 {
		return 0
	}
	return uint64(d / s.interval)
}

// FakeLedger provides time and height that can be arbitrarily set. For tests
// only.
type FakeLedger struct {
	mu     sync.RWMutex
	now    time.Time
	height uint64
}

// NewFake creates a FakeLedger instance.
func NewFake(t time.Time, height uint64) *FakeLedger {
	return &FakeLedger{now: t, height: height}
}

// Now returns the time value this instance contains.
func (f *FakeLedger) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

// Height returns the block height this instance contains.
func (f *FakeLedger) Height() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.height
}

// Set updates the time and height that this instance will report.
func (f *FakeLedger) Set(t time.Time, height uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	f.height = height
}

// Advance moves the time forward by d and the height by blocks.
func (f *FakeLedger) Advance(d time.Duration, blocks uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.height += blocks
}
