package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "reading", Data: map[string]any{"topic": "syntised/device/ab/tv", "value": 12.5}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: reading") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"value":12.5`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRetainedReplayedToLateSubscriber(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	b.Publish(Event{Type: "discovery", Data: map[string]string{"name": "tv", "v": "1"}, Retain: true, Key: "tv"})
	b.Publish(Event{Type: "discovery", Data: map[string]string{"name": "fridge"}, Retain: true, Key: "fridge"})
	b.Publish(Event{Type: "discovery", Data: map[string]string{"name": "tv", "v": "2"}, Retain: true, Key: "tv"})
	b.Publish(Event{Type: "reading", Data: map[string]string{"name": "tv"}})

	deadline := time.Now().Add(time.Second)
	for len(b.Retained()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	events := b.Retained()
	if len(events) != 2 {
		t.Fatalf("retained = %d, want 2", len(events))
	}
	if events[0].Key != "tv" || events[1].Key != "fridge" {
		t.Errorf("order = %s, %s", events[0].Key, events[1].Key)
	}

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)
	var got []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-ch:
			got = append(got, string(msg))
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for retained event")
		}
	}
	if !strings.Contains(got[0], `"v":"2"`) || !strings.Contains(got[1], "fridge") {
		t.Errorf("replayed = %q", got)
	}
	select {
	case msg := <-ch:
		t.Errorf("unexpected extra message %q", msg)
	default:
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	// Start handler in background.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Type: "reading", Data: map[string]string{"topic": "x"}})
	time.Sleep(50 * time.Millisecond)

	// Cancel context to disconnect.
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: reading") {
		t.Errorf("handler output missing event: %q", body)
	}

	// Client should be cleaned up.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the client buffer and then some; Publish must not block.
	for i := 0; i < clientBuffer+10; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}
	if b.Retained() != nil {
		t.Fatalf("expected no retained events after close")
	}

	// Should be safe no-op after close.
	b.Publish(Event{Type: "reading", Data: map[string]string{"topic": "x"}})
}
