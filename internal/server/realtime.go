package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/indexer"
	"github.com/google/uuid"
)

const (
	RealtimeEventAccountChanged = "account-change"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceIndexer       = "dataaccount-indexer"

	// allAccountsKey collects subscribers that asked for every account.
	allAccountsKey = "*"
)

type RealtimeMessage struct {
	DataAccount         string
	Authority           string
	TxID                string
	Outcome             string
	DataType            uint8
	SerializationStatus uint8
	EventType           string
	Timestamp           time.Time
}

// RealtimeDispatcher fans indexer changes out to stream subscribers keyed by data account.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*realtimeSubscriber
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     string
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[string]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for dataAccount, or for every account when dataAccount
// is empty. The subscription ends when ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, dataAccount string) (<-chan RealtimeMessage, func()) {
	key := dataAccount
	if key == "" {
		key = allAccountsKey
	}
	subscriber := &realtimeSubscriber{
		id:     uuid.NewString(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(key, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishChange forwards an inserted or updated mirror row.
func (d *RealtimeDispatcher) PublishChange(change indexer.Change) {
	if !change.Outcome.Changed() {
		return
	}
	d.Publish(RealtimeMessage{
		DataAccount:         change.Row.DataAccount,
		Authority:           change.Row.Authority,
		TxID:                change.Row.TxID,
		Outcome:             string(change.Outcome),
		DataType:            change.Row.DataType,
		SerializationStatus: change.Row.SerializationStatus,
		EventType:           RealtimeEventAccountChanged,
		Timestamp:           d.clock().UTC(),
	})
}

// Publish never blocks; a subscriber whose buffer is full misses the message.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.DataAccount == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers[message.DataAccount])+len(d.subscribers[allAccountsKey]))
	for _, subscriber := range d.subscribers[message.DataAccount] {
		copies = append(copies, subscriber)
	}
	for _, subscriber := range d.subscribers[allAccountsKey] {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of open subscriptions.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, subscribers := range d.subscribers {
		count += len(subscribers)
	}
	return count
}

func (d *RealtimeDispatcher) registerSubscriber(key string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[string]*realtimeSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(key, subscriberID string) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
