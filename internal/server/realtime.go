package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
)

const (
	RealtimeEventLedgerChanged = "ledger-change"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "yardledger-backend"

	// realtimeAllTables subscribes to every table.
	realtimeAllTables = "*"
)

type RealtimeMessage struct {
	Table       string
	EventType   string
	Rows        int
	Fingerprint string
	Timestamp   time.Time
}

// RealtimeDispatcher fans committed ledger changes out to stream subscribers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for changes to table, or to every table when table is "*".
// The subscription ends with ctx or the returned cleanup.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, table string) (<-chan RealtimeMessage, func()) {
	if table == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(table, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(table, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message without blocking; slow subscribers miss events.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Table == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers[message.Table])+len(d.subscribers[realtimeAllTables]))
	for _, subscriber := range d.subscribers[message.Table] {
		copies = append(copies, subscriber)
	}
	for _, subscriber := range d.subscribers[realtimeAllTables] {
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

// LedgerChanged adapts guard commit notifications into realtime messages.
func (d *RealtimeDispatcher) LedgerChanged(event ledger.ChangeEvent) {
	d.Publish(RealtimeMessage{
		Table:       event.Table,
		EventType:   RealtimeEventLedgerChanged,
		Rows:        event.Rows,
		Fingerprint: event.Fingerprint,
		Timestamp:   event.CommittedAt,
	})
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(table string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[table]; !ok {
		d.subscribers[table] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[table][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(table string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[table]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, table)
		}
	}
	d.mu.Unlock()
}
