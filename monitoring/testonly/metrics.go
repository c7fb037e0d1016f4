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

// Package testonly contains a conformance test for MetricFactory
// implementations.
package testonly

import (
	"fmt"
	"testing"

	"github.com/google/idstate/monitoring"
)

var labelSets = []struct {
	labelNames []string
	labelVals  []string
}{
	{},
	{labelNames: []string{"key1"}, labelVals: []string{"val1"}},
	{labelNames: []string{"key1", "key2"}, labelVals: []string{"val1", "val2"}},
}

// TestFactory runs tests on the Counter, Gauge and Histogram produced from
// the provided MetricFactory.
func TestFactory(t *testing.T, factory monitoring.MetricFactory) {
	t.Helper()
	for i, ls := range labelSets {
		vals := ls.labelVals
		// Use an invalid number of labels.
		bogus := append(append([]string(nil), vals...), "bogus")

		t.Run(fmt.Sprintf("counter%d", i), func(t *testing.T) {
			c := factory.NewCounter(fmt.Sprintf("test_counter%d", i), "Test only", ls.labelNames...)
			checkFloat(t, "Value", c.Value(vals...), 0)
			c.Inc(vals...)
			checkFloat(t, "Inc", c.Value(vals...), 1)
			c.Add(2.5, vals...)
			checkFloat(t, "Add", c.Value(vals...), 3.5)
			c.Add(10, bogus...)
			c.Inc(bogus...)
			checkFloat(t, "Value(bogus)", c.Value(bogus...), 0)
		})

		t.Run(fmt.Sprintf("gauge%d", i), func(t *testing.T) {
			g := factory.NewGauge(fmt.Sprintf("test_gauge%d", i), "Test only", ls.labelNames...)
			checkFloat(t, "Value", g.Value(vals...), 0)
			g.Inc(vals...)
			checkFloat(t, "Inc", g.Value(vals...), 1)
			g.Dec(vals...)
			checkFloat(t, "Dec", g.Value(vals...), 0)
			g.Add(2.5, vals...)
			checkFloat(t, "Add", g.Value(vals...), 2.5)
			g.Set(42, vals...)
			checkFloat(t, "Set", g.Value(vals...), 42)
			g.Set(120, bogus...)
			checkFloat(t, "Value(bogus)", g.Value(bogus...), 0)
		})

		t.Run(fmt.Sprintf("histogram%d", i), func(t *testing.T) {
			h := factory.NewHistogram(fmt.Sprintf("test_histogram%d", i), "Test only", ls.labelNames...)
			checkInfo(t, h, vals, 0, 0)
			for _, v := range []float64{1, 2, 3} {
				h.Observe(v, vals...)
			}
			checkInfo(t, h, vals, 3, 6)
			h.Observe(100, bogus...)
			checkInfo(t, h, bogus, 0, 0)
		})
	}
}

func checkFloat(t *testing.T, op string, got, want float64) {
	t.Helper()
	if got != want {
		t.Errorf("after %s: Value()=%v; want %v", op, got, want)
	}
}

func checkInfo(t *testing.T, h monitoring.Histogram, vals []string, wantCount uint64, wantSum float64) {
	t.Helper()
	if gotCount, gotSum := h.Info(vals...); gotCount != wantCount || gotSum != wantSum {
		t.Errorf("Info(%v)=%v,%v; want %v,%v", vals, gotCount, gotSum, wantCount, wantSum)
	}
}
