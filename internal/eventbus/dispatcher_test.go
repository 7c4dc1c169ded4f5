package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher[string](4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish("connected")

	select {
	case received := <-stream:
		if received != "connected" {
			t.Fatalf("expected connected, got %s", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewDispatcher[int](1)
	stream, cleanup := dispatcher.Subscribe(context.Background())
	defer cleanup()

	dispatcher.Publish(1)
	dispatcher.Publish(2)

	if first := <-stream; first != 1 {
		t.Fatalf("expected first event to be kept, got %d", first)
	}
	select {
	case extra := <-stream:
		t.Fatalf("expected overflow to be dropped, got %d", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherClosesStreamOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher[int](1)
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := dispatcher.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-stream:
		if open {
			t.Fatal("expected closed stream")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after cancel")
	}
	if dispatcher.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", dispatcher.Subscribers())
	}
	dispatcher.Publish(1)
}
