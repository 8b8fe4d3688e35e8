// Copyright 2025 Edgeo SCADA
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

package slave

import (
	"sync"
	"sync/atomic"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// ServerMetrics holds request and connection counters for one engine
// instance. Counters accumulate across start/stop cycles except ActiveConns,
// which is reset on stop.
type ServerMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	Exceptions      Counter
	ActiveConns     Counter
	TotalConns      Counter

	// Per-function-code request counts.
	funcCounts sync.Map // FunctionCode -> *Counter
}

// ForFunction returns the request counter for a function code.
func (m *ServerMetrics) ForFunction(fc FunctionCode) *Counter {
	if v, ok := m.funcCounts.Load(fc); ok {
		return v.(*Counter)
	}
	actual, _ := m.funcCounts.LoadOrStore(fc, &Counter{})
	return actual.(*Counter)
}

// Collect returns all counters as a map, suitable for dumping or export.
func (m *ServerMetrics) Collect() map[string]int64 {
	out := map[string]int64{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"exceptions":       m.Exceptions.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"total_conns":      m.TotalConns.Value(),
	}
	m.funcCounts.Range(func(key, value any) bool {
		out["fc_"+key.(FunctionCode).String()] = value.(*Counter).Value()
		return true
	})
	return out
}
