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

import "sync"

// DefaultJournalCapacity is the number of most-recent log entries retained.
const DefaultJournalCapacity = 500

// Journal is the bounded, append-only traffic log. Connection handlers
// produce entries; the front-end consumes them by polling Entries or by
// subscribing. Entries are never mutated after creation and the oldest are
// evicted once the capacity is reached.
type Journal struct {
	mu       sync.Mutex
	entries  []LogEntry
	capacity int
	nextID   uint64

	subs    map[int]chan LogEntry
	nextSub int
}

// NewJournal creates a journal retaining the given number of entries.
// A capacity below 1 falls back to DefaultJournalCapacity.
func NewJournal(capacity int) *Journal {
	if capacity < 1 {
		capacity = DefaultJournalCapacity
	}
	return &Journal{
		capacity: capacity,
		subs:     make(map[int]chan LogEntry),
	}
}

// Append assigns the entry its id and timestamp, stores it and fans it out
// to subscribers. Delivery to a subscriber is at-most-once: a full
// subscriber buffer drops the entry rather than blocking the producer.
func (j *Journal) Append(e LogEntry) LogEntry {
	j.mu.Lock()
	j.nextID++
	e.ID = j.nextID
	e.Timestamp = timestampNow()

	j.entries = append(j.entries, e)
	if len(j.entries) > j.capacity {
		j.entries = j.entries[len(j.entries)-j.capacity:]
	}

	for _, ch := range j.subs {
		select {
		case ch <- e:
		default:
		}
	}
	j.mu.Unlock()
	return e
}

// Info appends an informational entry (connect/disconnect, lifecycle).
func (j *Journal) Info(clientAddr, summary string) LogEntry {
	return j.Append(LogEntry{
		EntryType:  LogInfo,
		ClientAddr: clientAddr,
		Summary:    summary,
	})
}

// Entries returns a copy of the retained entries, oldest first.
func (j *Journal) Entries() []LogEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]LogEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Len returns the number of retained entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Subscribe registers a listener for new entries. The returned cancel
// function must be called to release the subscription; after cancel the
// channel is closed.
func (j *Journal) Subscribe(buffer int) (<-chan LogEntry, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan LogEntry, buffer)

	j.mu.Lock()
	id := j.nextSub
	j.nextSub++
	j.subs[id] = ch
	j.mu.Unlock()

	cancel := func() {
		j.mu.Lock()
		if _, ok := j.subs[id]; ok {
			delete(j.subs, id)
			close(ch)
		}
		j.mu.Unlock()
	}
	return ch, cancel
}
