// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"fmt"
	"testing"
)

func TestEventRingPushAndRecent(t *testing.T) {
	ring := NewEventRing(10)

	for i := 0; i < 3; i++ {
		ring.Push(EventEntry{Level: "info", Type: EventLogin, Message: fmt.Sprintf("m%d", i)})
	}

	if ring.Len() != 3 {
		t.Fatalf("expected len 3, got %d", ring.Len())
	}

	recent := ring.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	for i, e := range recent {
		if want := fmt.Sprintf("m%d", i); e.Message != want {
			t.Errorf("event %d: message = %q, want %q", i, e.Message, want)
		}
		if e.Timestamp == "" {
			t.Errorf("event %d: timestamp not filled", i)
		}
	}
}

func TestEventRingWrapsAround(t *testing.T) {
	ring := NewEventRing(5)

	for i := 0; i < 12; i++ {
		ring.Push(EventEntry{Type: EventLogout, Message: fmt.Sprintf("m%d", i)})
	}

	if ring.Len() != 5 {
		t.Fatalf("expected len 5 after wrap, got %d", ring.Len())
	}

	recent := ring.Recent(0)
	want := []string{"m7", "m8", "m9", "m10", "m11"}
	for i, e := range recent {
		if e.Message != want[i] {
			t.Errorf("event %d: message = %q, want %q", i, e.Message, want[i])
		}
	}
}

func TestEventRingRecentLimit(t *testing.T) {
	ring := NewEventRing(10)
	for i := 0; i < 8; i++ {
		ring.Push(EventEntry{Message: fmt.Sprintf("m%d", i)})
	}

	recent := ring.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	// Limit corta pelo lado antigo: ficam os 3 mais recentes.
	want := []string{"m5", "m6", "m7"}
	for i, e := range recent {
		if e.Message != want[i] {
			t.Errorf("event %d: message = %q, want %q", i, e.Message, want[i])
		}
	}
}

func TestEventRingEmpty(t *testing.T) {
	ring := NewEventRing(4)
	if got := ring.Recent(10); len(got) != 0 {
		t.Fatalf("expected empty slice, got %d entries", len(got))
	}
}
