package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventSessionLogin      EventType = "session.login"
	EventSessionLogout     EventType = "session.logout"
	EventServerRegistered  EventType = "server.registered"
	EventServerOpened      EventType = "server.opened"
	EventServerClosed      EventType = "server.closed"
	EventSpawnerRegistered EventType = "spawner.registered"
	EventSpawnerLost       EventType = "spawner.lost"
	EventSpawnQueued       EventType = "spawn.queued"
	EventSpawnTransition   EventType = "spawn.transition"
	EventGrantIssued       EventType = "grant.issued"
	EventLobbyCreated      EventType = "lobby.created"
	EventLobbyClosed       EventType = "lobby.closed"
	EventLobbyStarted      EventType = "lobby.started"
)

// Event is one master-side occurrence, published to the broker for metrics,
// logging and any other passive observer.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	SpawnID   string
	LobbyID   string
	GameID    int32
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers. Publishing never blocks the
// caller longer than the broker queue; observers are passive and may miss
// events under sustained overload.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
