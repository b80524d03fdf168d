package eventlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	ctx := t.Context()
	l := NewLog(8)

	var prev uint64
	for i := 0; i < 20; i++ {
		ev, err := l.Append(ctx, "message", []byte("x"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.ID <= prev {
			t.Fatalf("id %d not greater than previous %d", ev.ID, prev)
		}
		prev = ev.ID
	}
}

func TestRingRetainsExactlyCapacity(t *testing.T) {
	ctx := t.Context()
	const capacity = 5
	l := NewLog(capacity)

	for i := 0; i < 12; i++ {
		if _, err := l.Append(ctx, "message", []byte(fmt.Sprintf("payload-%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	n, _ := l.Len(ctx)
	if n != capacity {
		t.Fatalf("expected %d retained events, got %d", capacity, n)
	}

	events, err := l.After(ctx, 0)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(events) != capacity {
		t.Fatalf("expected %d events, got %d", capacity, len(events))
	}
	// The last 12 appends had ids 1..12; 8..12 survive.
	if events[0].ID != 8 || events[len(events)-1].ID != 12 {
		t.Fatalf("unexpected retained range [%d, %d]", events[0].ID, events[len(events)-1].ID)
	}
	if string(events[0].Data) != "payload-7" {
		t.Fatalf("unexpected oldest payload %q", events[0].Data)
	}
}

func TestAfterEvictedIDReturnsRetainedTail(t *testing.T) {
	ctx := t.Context()
	l := NewLog(3)

	for i := 0; i < 6; i++ {
		if _, err := l.Append(ctx, "message", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// ids 1..3 are evicted; asking after id 2 must yield the retained 4..6,
	// never an error.
	events, err := l.After(ctx, 2)
	if err != nil {
		t.Fatalf("after evicted id: %v", err)
	}
	if len(events) != 3 || events[0].ID != 4 {
		t.Fatalf("expected events 4..6, got %v", events)
	}

	if ok, _ := l.Exists(ctx, 2); ok {
		t.Fatalf("evicted id reported as retained")
	}
	if ok, _ := l.Exists(ctx, 5); !ok {
		t.Fatalf("retained id reported as missing")
	}
}

func TestAfterIsIdempotent(t *testing.T) {
	ctx := t.Context()
	l := NewLog(10)
	for i := 0; i < 5; i++ {
		_, _ = l.Append(ctx, "message", []byte{byte(i)})
	}

	first, _ := l.After(ctx, 2)
	second, _ := l.After(ctx, 2)
	if len(first) != len(second) {
		t.Fatalf("length differs between calls: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("order differs at %d: %d vs %d", i, first[i].ID, second[i].ID)
		}
	}
}

func TestConcurrentProducers(t *testing.T) {
	ctx := context.Background()
	const producers = 16
	const perProducer = 200
	l := NewLog(producers * perProducer)

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				if _, err := l.Append(ctx, "message", nil); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	events, _ := l.After(ctx, 0)
	if len(events) != producers*perProducer {
		t.Fatalf("expected %d events, got %d", producers*perProducer, len(events))
	}
	seen := make(map[uint64]struct{}, len(events))
	var prev uint64
	for _, ev := range events {
		if _, dup := seen[ev.ID]; dup {
			t.Fatalf("duplicate id %d", ev.ID)
		}
		seen[ev.ID] = struct{}{}
		if ev.ID <= prev {
			t.Fatalf("ids out of order: %d after %d", ev.ID, prev)
		}
		prev = ev.ID
	}
}
