package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"threatfuse/internal/metrics"
)

func testConfig() Config {
	return Config{
		BufferSize:     64,
		OverflowPolicy: OverflowDropOldest,
		PollInterval:   time.Millisecond,
		DrainWait:      5 * time.Second,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb := newRingBuffer(10, OverflowReject)

	ids := make([]uuid.UUID, 5)
	for i := 0; i < 5; i++ {
		ids[i] = uuid.New()
		if _, err := rb.push(&Envelope{EventID: ids[i]}); err != nil {
			t.Fatalf("push() error = %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		env, err := rb.popWithTimeout(time.Second)
		if err != nil {
			t.Fatalf("pop() error = %v", err)
		}
		if env.EventID != ids[i] {
			t.Errorf("pop() returned %v, want %v", env.EventID, ids[i])
		}
	}
}

func TestRingBuffer_OverflowReject(t *testing.T) {
	rb := newRingBuffer(3, OverflowReject)

	for i := 0; i < 3; i++ {
		if _, err := rb.push(&Envelope{EventID: uuid.New()}); err != nil {
			t.Fatalf("push() error = %v", err)
		}
	}

	if _, err := rb.push(&Envelope{EventID: uuid.New()}); err != ErrQueueFull {
		t.Errorf("push() error = %v, want ErrQueueFull", err)
	}

	m := rb.metrics()
	if m.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", m.Dropped)
	}
	if m.Depth != 3 {
		t.Errorf("Depth = %d, want 3", m.Depth)
	}
}

func TestRingBuffer_OverflowDropOldest(t *testing.T) {
	rb := newRingBuffer(3, OverflowDropOldest)

	ids := make([]uuid.UUID, 4)
	dropped := 0
	for i := 0; i < 4; i++ {
		ids[i] = uuid.New()
		evicted, err := rb.push(&Envelope{EventID: ids[i]})
		if err != nil {
			t.Fatalf("push() error = %v", err)
		}
		if evicted {
			dropped++
		}
	}
	if dropped != 1 {
		t.Errorf("evictions reported = %d, want 1", dropped)
	}

	// The oldest envelope was evicted; the survivors keep FIFO order.
	for i := 1; i < 4; i++ {
		env, err := rb.popWithTimeout(time.Second)
		if err != nil {
			t.Fatalf("pop() error = %v", err)
		}
		if env.EventID != ids[i] {
			t.Errorf("pop() returned %v, want %v", env.EventID, ids[i])
		}
	}

	if m := rb.metrics(); m.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", m.Dropped)
	}
}

func TestRingBuffer_CloseDrains(t *testing.T) {
	rb := newRingBuffer(10, OverflowReject)
	rb.push(&Envelope{EventID: uuid.New()})
	rb.close()

	if _, err := rb.push(&Envelope{EventID: uuid.New()}); err != ErrQueueClosed {
		t.Errorf("push() after close error = %v, want ErrQueueClosed", err)
	}

	// Queued envelopes remain poppable after close.
	if _, err := rb.popWithTimeout(time.Second); err != nil {
		t.Errorf("pop() after close error = %v", err)
	}

	if _, err := rb.popBlocking(); err != ErrQueueClosed {
		t.Errorf("popBlocking() on drained closed buffer error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopWithTimeout(t *testing.T) {
	rb := newRingBuffer(10, OverflowReject)

	start := time.Now()
	_, err := rb.popWithTimeout(50 * time.Millisecond)
	if err != ErrQueueEmpty {
		t.Errorf("popWithTimeout() error = %v, want ErrQueueEmpty", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("popWithTimeout() returned too quickly: %v", elapsed)
	}
}

func TestBus_DeliveryOrder(t *testing.T) {
	b := New(testConfig())

	var mu sync.Mutex
	var got []uuid.UUID
	b.Subscribe("orders", func(_ context.Context, env *Envelope) error {
		mu.Lock()
		got = append(got, env.EventID)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	ids := make([]uuid.UUID, 20)
	for i := range ids {
		ids[i] = uuid.New()
		if err := b.Publish("orders", ids[i], i); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(ids)
	}, "timed out waiting for deliveries")

	mu.Lock()
	defer mu.Unlock()
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("delivery[%d] = %v, want %v", i, got[i], ids[i])
		}
	}
}

func TestBus_HandlersRunInRegistrationOrder(t *testing.T) {
	b := New(testConfig())

	var mu sync.Mutex
	var trace []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe("staged", func(_ context.Context, _ *Envelope) error {
			mu.Lock()
			trace = append(trace, name)
			mu.Unlock()
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	for i := 0; i < 2; i++ {
		if err := b.Publish("staged", uuid.New(), i); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trace) == 6
	}, "timed out waiting for handler runs")

	want := []string{"first", "second", "third", "first", "second", "third"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestBus_HandlerPanicDoesNotStopOthers(t *testing.T) {
	b := New(testConfig())

	var mu sync.Mutex
	var survived int
	b.Subscribe("panicky", func(_ context.Context, _ *Envelope) error {
		panic("boom")
	})
	b.Subscribe("panicky", func(_ context.Context, _ *Envelope) error {
		mu.Lock()
		survived++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	for i := 0; i < 3; i++ {
		if err := b.Publish("panicky", uuid.New(), i); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return survived == 3
	}, "second handler did not run after panics")
}

func TestBus_HandlerErrorDoesNotStopOthers(t *testing.T) {
	b := New(testConfig())

	var mu sync.Mutex
	var survived int
	b.Subscribe("flaky", func(_ context.Context, _ *Envelope) error {
		return fmt.Errorf("stage failure")
	})
	b.Subscribe("flaky", func(_ context.Context, _ *Envelope) error {
		mu.Lock()
		survived++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	if err := b.Publish("flaky", uuid.New(), nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return survived == 1
	}, "second handler did not run after error")
}

func TestBus_CloseDrainsInFlightEvents(t *testing.T) {
	b := New(testConfig())

	var mu sync.Mutex
	var handled int
	b.Subscribe("draining", func(_ context.Context, _ *Envelope) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	const n = 30
	for i := 0; i < n; i++ {
		if err := b.Publish("draining", uuid.New(), i); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if handled != n {
		t.Errorf("handled = %d after Close, want %d", handled, n)
	}
}

func TestBus_CascadePublishSurvivesDrain(t *testing.T) {
	b := New(testConfig())

	// The raw handler republishes downstream, as the pipeline stages do.
	b.Subscribe(StreamRaw, func(_ context.Context, env *Envelope) error {
		return b.Publish(StreamProcessed, env.EventID, env.Payload)
	})

	var mu sync.Mutex
	var downstream int
	b.Subscribe(StreamProcessed, func(_ context.Context, _ *Envelope) error {
		mu.Lock()
		downstream++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	const n = 25
	for i := 0; i < n; i++ {
		if err := b.Publish(StreamRaw, uuid.New(), i); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	// Close immediately: queued raw envelopes must still reach the
	// downstream stream because upstream drains first.
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if downstream != n {
		t.Errorf("downstream handled = %d after Close, want %d", downstream, n)
	}
}

func TestBus_DropOldestEvictionsAreCounted(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 2
	b := New(cfg)

	// No consumer loop: the buffer fills, so publishes 3-5 each evict
	// the oldest queued envelope.
	before := testutil.ToFloat64(metrics.BusDropped.WithLabelValues("overflowing"))

	for i := 0; i < 5; i++ {
		if err := b.Publish("overflowing", uuid.New(), i); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if got := b.Stats()["overflowing"].Dropped; got != 3 {
		t.Errorf("Stats Dropped = %d, want 3", got)
	}
	after := testutil.ToFloat64(metrics.BusDropped.WithLabelValues("overflowing"))
	if delta := after - before; delta != 3 {
		t.Errorf("BusDropped delta = %v, want 3", delta)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	b.Close()

	if err := b.Publish("late", uuid.New(), nil); err != ErrBusClosed {
		t.Errorf("Publish() after Close error = %v, want ErrBusClosed", err)
	}
}

func TestBus_Stats(t *testing.T) {
	b := New(testConfig())
	b.Subscribe("counted", func(_ context.Context, _ *Envelope) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	for i := 0; i < 5; i++ {
		b.Publish("counted", uuid.New(), i)
	}

	waitFor(t, func() bool {
		return b.Stats()["counted"].Popped == 5
	}, "timed out waiting for stats")

	m := b.Stats()["counted"]
	if m.Pushed != 5 {
		t.Errorf("Pushed = %d, want 5", m.Pushed)
	}
	if m.Capacity != 64 {
		t.Errorf("Capacity = %d, want 64", m.Capacity)
	}
}
