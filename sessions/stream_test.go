package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sergiobayona/vector-mcp/eventlog"
)

// A consumer that stalls long enough for its buffer to overflow must still
// receive every retained event once it catches up; overflowed events are
// recovered from the store, never skipped.
func TestSlowConsumerReceivesEveryRetainedEvent(t *testing.T) {
	st := NewStream("a", eventlog.NewLog(eventlog.DefaultCapacity))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = subscriberBuffer + 6

	gate := make(chan struct{})
	var mu sync.Mutex
	var got []uint64

	done := make(chan error, 1)
	go func() {
		done <- st.Subscribe(ctx, 0, func(_ context.Context, ev eventlog.Event) error {
			if ev.ID == 1 {
				// Stall on the first event so later publishes overflow the
				// consumer buffer.
				<-gate
			}
			mu.Lock()
			got = append(got, ev.ID)
			mu.Unlock()
			return nil
		})
	}()

	deadline := time.Now().Add(time.Second)
	for !st.HasSubscribers() {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < total; i++ {
		if _, err := st.Publish(ctx, EventTypeMessage, []byte(`{}`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	close(gate)

	deadline = time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d events delivered, got %d", total, n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe ended with %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != total {
		t.Fatalf("expected exactly %d events, got %d", total, len(got))
	}
	for i, id := range got {
		if id != uint64(i+1) {
			t.Fatalf("delivery skipped or reordered at index %d: %v", i, got)
		}
	}
}

func TestAttachIsExclusive(t *testing.T) {
	st := NewStream("a", eventlog.NewLog(eventlog.DefaultCapacity))

	first, err := st.Attach(0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := st.Attach(0); !errors.Is(err, ErrStreamBusy) {
		t.Fatalf("expected ErrStreamBusy for second consumer, got %v", err)
	}

	first.Close()
	second, err := st.Attach(0)
	if err != nil {
		t.Fatalf("Attach after release: %v", err)
	}
	second.Close()

	st.Close()
	if _, err := st.Attach(0); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after Close, got %v", err)
	}
}

// Racing consumers must resolve to exactly one holder; the losers see
// ErrStreamBusy rather than splitting delivery.
func TestConcurrentAttachSingleWinner(t *testing.T) {
	st := NewStream("a", eventlog.NewLog(eventlog.DefaultCapacity))

	const racers = 8
	wins := make(chan *Subscription, racers)
	var start sync.WaitGroup
	start.Add(1)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start.Wait()
			sub, err := st.Attach(0)
			if err == nil {
				wins <- sub
				return
			}
			if !errors.Is(err, ErrStreamBusy) {
				t.Errorf("loser got %v, want ErrStreamBusy", err)
			}
		}()
	}
	start.Done()
	wg.Wait()
	close(wins)

	winners := 0
	for sub := range wins {
		winners++
		sub.Close()
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning attach, got %d", winners)
	}
}
