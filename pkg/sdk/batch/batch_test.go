package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/sdk/payload"
)

// mockTransport records every posted batch.
type mockTransport struct {
	mu      sync.Mutex
	batches [][]payload.Sample
	sendErr error
	delay   time.Duration
}

func (m *mockTransport) Post(ctx context.Context, path string, body, out any) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	batch := body.(payload.SampleBatch)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.batches = append(m.batches, append([]payload.Sample(nil), batch.Samples...))
	return nil
}

func (m *mockTransport) getBatches() [][]payload.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]payload.Sample, len(m.batches))
	copy(result, m.batches)
	return result
}

func (m *mockTransport) sentTimes() []float64 {
	var out []float64
	for _, b := range m.getBatches() {
		for _, s := range b {
			out = append(out, s.Time)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func sample(ts int) payload.Sample {
	return payload.Sample{Time: float64(1700002800 + ts), CPU: float64(ts % 100)}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		wantSize  int
		wantFlush time.Duration
	}{
		{"explicit", Config{MaxBatchSize: 100, FlushEvery: time.Second}, 100, time.Second},
		{"defaults", Config{}, payload.MaxBatchSamples, 5 * time.Second},
		{"oversized batch", Config{MaxBatchSize: 100000}, payload.MaxBatchSamples, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(&mockTransport{}, tt.config, zerolog.Nop())
			if b.config.MaxBatchSize != tt.wantSize {
				t.Errorf("MaxBatchSize = %d, want %d", b.config.MaxBatchSize, tt.wantSize)
			}
			if b.config.FlushEvery != tt.wantFlush {
				t.Errorf("FlushEvery = %v, want %v", b.config.FlushEvery, tt.wantFlush)
			}
		})
	}
}

func TestStopFlushesRemaining(t *testing.T) {
	tr := &mockTransport{}
	b := New(tr, Config{MaxBatchSize: 100, FlushEvery: time.Hour}, zerolog.Nop())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		b.Add(sample(i))
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	if got := len(tr.sentTimes()); got != 3 {
		t.Errorf("sent %d samples, want 3", got)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
	if b.Sent() != 3 {
		t.Errorf("Sent() = %d, want 3", b.Sent())
	}
}

func TestAddTriggersFlushWhenFull(t *testing.T) {
	tr := &mockTransport{}
	b := New(tr, Config{MaxBatchSize: 5, FlushEvery: time.Hour}, zerolog.Nop())
	b.Start(context.Background())
	defer b.Stop()

	for i := 0; i < 5; i++ {
		b.Add(sample(i))
	}

	waitFor(t, func() bool { return len(tr.getBatches()) == 1 })
	if got := len(tr.getBatches()[0]); got != 5 {
		t.Errorf("batch has %d samples, want 5", got)
	}
}

func TestBatchesKeepTimeOrder(t *testing.T) {
	tr := &mockTransport{delay: 2 * time.Millisecond}
	b := New(tr, Config{MaxBatchSize: 10, FlushEvery: 3 * time.Millisecond}, zerolog.Nop())
	b.Start(context.Background())

	const n = 500
	for i := 0; i < n; i++ {
		b.Add(sample(i))
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	times := tr.sentTimes()
	if len(times) != n {
		t.Fatalf("sent %d samples, want %d", len(times), n)
	}
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			t.Fatalf("sample %d at %v sent after %v", i, times[i], times[i-1])
		}
	}
	if b.flushing.Load() {
		t.Error("Flushing flag is stuck")
	}
}

func TestPeriodicFlush(t *testing.T) {
	tr := &mockTransport{}
	b := New(tr, Config{MaxBatchSize: 1000, FlushEvery: 20 * time.Millisecond}, zerolog.Nop())
	b.Start(context.Background())
	defer b.Stop()

	b.Add(sample(1))
	b.Add(sample(2))

	waitFor(t, func() bool { return len(tr.sentTimes()) == 2 })
}

func TestFailedSendDropsBatch(t *testing.T) {
	tr := &mockTransport{sendErr: errors.New("connection refused")}
	b := New(tr, Config{MaxBatchSize: 100, FlushEvery: time.Hour}, zerolog.Nop())

	b.Add(sample(1))
	b.Add(sample(2))
	if err := b.Flush(); err == nil {
		t.Fatal("Flush() should return the transport error")
	}

	if b.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", b.Dropped())
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
}

func TestFlushEmpty(t *testing.T) {
	tr := &mockTransport{}
	b := New(tr, Config{}, zerolog.Nop())
	if err := b.Flush(); err != nil {
		t.Errorf("Flush() on empty batcher = %v", err)
	}
	if len(tr.getBatches()) != 0 {
		t.Error("empty flush should not send")
	}
}
