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

package monitoring

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// InertMetricFactory creates metrics that only keep their values in memory.
// Tests use it to assert on metric updates.
type InertMetricFactory struct{}

// NewCounter creates a new inert Counter.
func (InertMetricFactory) NewCounter(name, help string, labelNames ...string) Counter {
	return newInertFloat(name, labelNames)
}

// NewGauge creates a new inert Gauge.
func (InertMetricFactory) NewGauge(name, help string, labelNames ...string) Gauge {
	return newInertFloat(name, labelNames)
}

// NewHistogram creates a new inert Histogram.
func (InertMetricFactory) NewHistogram(name, help string, labelNames ...string) Histogram {
	return &InertDistribution{vals: newLabelled[dist](name, labelNames)}
}

// NewHistogramWithBuckets creates a new inert Histogram with supplied buckets.
// The buckets are not actually used.
func (imf InertMetricFactory) NewHistogramWithBuckets(name, help string, _ []float64, labelNames ...string) Histogram {
	return imf.NewHistogram(name, help, labelNames...)
}

// labelled holds one value per combination of label values.
type labelled[T any] struct {
	name       string
	labelCount int
	mu         sync.Mutex
	vals       map[string]*T
}

func newLabelled[T any](name string, labelNames []string) *labelled[T] {
	return &labelled[T]{name: name, labelCount: len(labelNames), vals: make(map[string]*T)}
}

// update calls f with the value for the labels under the lock. Invalid label
// counts are logged and ignored.
func (l *labelled[T]) update(labelVals []string, f func(*T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := keyForLabels(labelVals, l.labelCount)
	if err != nil {
		klog.Errorf("%s: %v", l.name, err)
		return
	}
	v, ok := l.vals[key]
	if !ok {
		v = new(T)
		l.vals[key] = v
	}
	f(v)
}

// get returns a copy of the value for the labels, or the zero value.
func (l *labelled[T]) get(labelVals []string) T {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	key, err := keyForLabels(labelVals, l.labelCount)
	if err != nil {
		klog.Errorf("%s: %v", l.name, err)
		return zero
	}
	if v, ok := l.vals[key]; ok {
		return *v
	}
	return zero
}

// InertFloat is an internal-only implementation of both the Counter and Gauge interfaces.
type InertFloat struct {
	vals *labelled[float64]
}

func newInertFloat(name string, labelNames []string) *InertFloat {
	return &InertFloat{vals: newLabelled[float64](name, labelNames)}
}

// Inc adds 1 to the value.
func (m *InertFloat) Inc(labelVals ...string) {
	m.Add(1.0, labelVals...)
}

// Dec subtracts 1 from the value.
func (m *InertFloat) Dec(labelVals ...string) {
	m.Add(-1.0, labelVals...)
}

// Add adds the given amount to the value.
func (m *InertFloat) Add(val float64, labelVals ...string) {
	m.vals.update(labelVals, func(v *float64) { *v += val })
}

// Set sets the value.
func (m *InertFloat) Set(val float64, labelVals ...string) {
	m.vals.update(labelVals, func(v *float64) { *v = val })
}

// Value returns the current value.
func (m *InertFloat) Value(labelVals ...string) float64 {
	return m.vals.get(labelVals)
}

type dist struct {
	count uint64
	sum   float64
}

// InertDistribution is an internal-only implementation of the Histogram interface.
type InertDistribution struct {
	vals *labelled[dist]
}

// Observe adds a single observation to the distribution.
func (m *InertDistribution) Observe(val float64, labelVals ...string) {
	m.vals.update(labelVals, func(d *dist) {
		d.count++
		d.sum += val
	})
}

// Info returns count, sum for the distribution.
func (m *InertDistribution) Info(labelVals ...string) (uint64, float64) {
	d := m.vals.get(labelVals)
	return d.count, d.sum
}

func keyForLabels(labelVals []string, count int) (string, error) {
	if len(labelVals) != count {
		return "", fmt.Errorf("invalid label count %d; want %d", len(labelVals), count)
	}
	return strings.Join(labelVals, "|"), nil
}
