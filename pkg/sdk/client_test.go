package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/tinystats/pkg/sdk/payload"
)

// fakeServer records what a client posts.
type fakeServer struct {
	mu      sync.Mutex
	samples []payload.Sample
	minutes []payload.Minute
	events  []payload.Event
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case payload.SamplesPath:
		var b payload.SampleBatch
		json.NewDecoder(r.Body).Decode(&b)
		f.samples = append(f.samples, b.Samples...)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(payload.Accepted{Status: "accepted", Accepted: len(b.Samples)})
	case payload.MinutesPath:
		var m payload.Minute
		json.NewDecoder(r.Body).Decode(&m)
		f.minutes = append(f.minutes, m)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(payload.Accepted{Status: "accepted"})
	case payload.EventsPath:
		var e payload.Event
		json.NewDecoder(r.Body).Decode(&e)
		f.events = append(f.events, e)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(payload.Accepted{Status: "created", ID: int64(len(f.events))})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeServer) sampleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func newTestClient(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := New(ClientConfig{Endpoint: srv.URL, FlushEvery: time.Hour})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client, fake
}

func TestNew_Defaults(t *testing.T) {
	client, err := New(ClientConfig{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if client.config.Endpoint != DefaultEndpoint {
		t.Errorf("Endpoint = %q, want %q", client.config.Endpoint, DefaultEndpoint)
	}
	if client.config.FlushEvery != 5*time.Second {
		t.Errorf("FlushEvery = %v, want 5s", client.config.FlushEvery)
	}
}

func TestClientStartStop(t *testing.T) {
	client, fake := newTestClient(t)

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := client.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	for i := 0; i < 3; i++ {
		client.Record(payload.Sample{Time: float64(1700002800 + i), CPU: 10})
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := fake.sampleCount(); got != 3 {
		t.Errorf("server received %d samples, want 3", got)
	}
	if client.Sent() != 3 {
		t.Errorf("Sent() = %d, want 3", client.Sent())
	}
	if err := client.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestClientSendMinuteAndEvent(t *testing.T) {
	client, fake := newTestClient(t)
	ctx := context.Background()

	if err := client.SendMinute(ctx, payload.Minute{Start: 1700002800, CPUAvg: 42}); err != nil {
		t.Fatalf("SendMinute() error = %v", err)
	}
	id, err := client.LogEvent(ctx, payload.Event{Description: "deploy"})
	if err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}

	if id != 1 {
		t.Errorf("LogEvent() id = %d, want 1", id)
	}
	if len(fake.minutes) != 1 || fake.minutes[0].CPUAvg != 42 {
		t.Errorf("minutes = %+v, want one with cpu_avg 42", fake.minutes)
	}
	if len(fake.events) != 1 || fake.events[0].Description != "deploy" {
		t.Errorf("events = %+v, want one deploy event", fake.events)
	}
}
