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
	"regexp"
	"testing"
)

func TestJournalAppendAssignsIDsAndTimestamps(t *testing.T) {
	j := NewJournal(10)

	first := j.Info("1.2.3.4:5000", "Connection accepted")
	second := j.Info("1.2.3.4:5000", "Connection closed")

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("IDs: expected 1,2, got %d,%d", first.ID, second.ID)
	}

	// Timestamps are "seconds.milliseconds" decimal strings.
	format := regexp.MustCompile(`^\d+\.\d{3}$`)
	if !format.MatchString(first.Timestamp) {
		t.Errorf("Timestamp format: got %q", first.Timestamp)
	}
}

func TestJournalEviction(t *testing.T) {
	j := NewJournal(3)

	for i := 0; i < 5; i++ {
		j.Info("", "entry")
	}

	entries := j.Entries()
	if len(entries) != 3 {
		t.Fatalf("Expected 3 retained entries, got %d", len(entries))
	}
	// Oldest first, oldest two evicted.
	if entries[0].ID != 3 || entries[2].ID != 5 {
		t.Errorf("Retained IDs: expected 3..5, got %d..%d", entries[0].ID, entries[2].ID)
	}
	if j.Len() != 3 {
		t.Errorf("Len: expected 3, got %d", j.Len())
	}
}

func TestJournalSubscribe(t *testing.T) {
	j := NewJournal(10)

	ch, cancel := j.Subscribe(4)
	defer cancel()

	sent := j.Info("", "hello")

	got := <-ch
	if got.ID != sent.ID || got.Summary != "hello" {
		t.Errorf("Delivered entry mismatch: %+v", got)
	}
}

func TestJournalSubscribeDropsWhenFull(t *testing.T) {
	j := NewJournal(10)

	ch, cancel := j.Subscribe(1)
	defer cancel()

	j.Info("", "first")
	j.Info("", "dropped") // buffer full, must not block

	got := <-ch
	if got.Summary != "first" {
		t.Errorf("Expected first entry, got %q", got.Summary)
	}
	select {
	case e := <-ch:
		t.Errorf("Unexpected second delivery: %q", e.Summary)
	default:
	}

	// The journal itself retains everything.
	if j.Len() != 2 {
		t.Errorf("Len: expected 2, got %d", j.Len())
	}
}

func TestJournalCancelClosesChannel(t *testing.T) {
	j := NewJournal(10)

	ch, cancel := j.Subscribe(1)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after cancel")
	}

	// Appends after cancel must not panic.
	j.Info("", "after cancel")
}
