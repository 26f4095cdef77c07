package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/indexer"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/mirror"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "account-1")
	defer cleanup()

	dispatcher.PublishChange(indexer.Change{
		Row:     mirror.IndexedRow{DataAccount: "account-1", Authority: "authority-1", TxID: "tx-1", DataType: 1},
		Outcome: mirror.OutcomeInserted,
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventAccountChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventAccountChanged, received.EventType)
		}
		if received.TxID != "tx-1" || received.Outcome != string(mirror.OutcomeInserted) {
			t.Fatalf("unexpected message %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByAccount(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accountStream, cleanup := dispatcher.Subscribe(ctx, "account-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "account-3")
	defer otherCleanup()
	allStream, allCleanup := dispatcher.Subscribe(ctx, "")
	defer allCleanup()

	dispatcher.Publish(RealtimeMessage{
		DataAccount: "account-3",
		EventType:   RealtimeEventAccountChanged,
		Timestamp:   time.Now().UTC(),
	})

	select {
	case <-accountStream:
		t.Fatal("did not expect realtime message for unrelated account")
	case <-time.After(200 * time.Millisecond):
	}

	for name, stream := range map[string]<-chan RealtimeMessage{"account": otherStream, "all": allStream} {
		select {
		case msg := <-stream:
			if msg.DataAccount != "account-3" {
				t.Fatalf("%s: expected account-3, received %s", name, msg.DataAccount)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("%s: expected realtime message for subscribed stream", name)
		}
	}
}

func TestRealtimeDispatcherIgnoresUnchangedRows(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "")
	defer cleanup()

	dispatcher.PublishChange(indexer.Change{
		Row:     mirror.IndexedRow{DataAccount: "account-4", TxID: "tx-1"},
		Outcome: mirror.OutcomeUnchanged,
	})

	select {
	case msg := <-stream:
		t.Fatalf("did not expect a message for an unchanged row, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "account-5")
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.SubscriberCount())
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cleanup()
}
