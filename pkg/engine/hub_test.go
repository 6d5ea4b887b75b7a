package engine_test

import (
	"context"
	"testing"
	"time"

	"vruitrack/pkg/engine"
	"vruitrack/pkg/protocol"
)

func TestHubDoesNotBlockOnSlowConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub(engine.WithBroadcastBuffer(1), engine.WithClientBuffer(1))
	go hub.Run(ctx)

	fast := hub.SubscribeWithBuffer(128)
	slow := hub.SubscribeWithBuffer(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.Publish(protocol.Snapshot{Seq: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatalf("publish blocked on slow consumer")
	}

	received := 0
	timeout := time.After(1 * time.Second)
	for received < 50 {
		select {
		case snap := <-fast:
			if snap.Seq != uint64(received) {
				t.Fatalf("out of order snapshot: got %d want %d", snap.Seq, received)
			}
			received++
		case <-timeout:
			t.Fatalf("fast consumer timeout after %d snapshots", received)
		}
	}

	count := 0
	for {
		select {
		case <-slow:
			count++
		default:
			if count > 1 {
				t.Fatalf("slow consumer received %d snapshots, expected at most 1", count)
			}
			return
		}
	}
}

func TestHubClosesSubscribersOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := engine.NewHub()
	go hub.Run(ctx)

	sub := hub.Subscribe()
	cancel()

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber not closed")
	}

	// Calls after shutdown must not block.
	hub.Publish(protocol.Snapshot{})
	hub.Unsubscribe(sub)
	if late := hub.Subscribe(); late != nil {
		t.Fatalf("expected nil subscription after shutdown")
	}
}
