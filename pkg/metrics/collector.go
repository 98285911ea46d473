package metrics

import (
	"sync"
	"time"

	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/types"
)

// Sources supplies the instantaneous counts the collector polls. Each
// field may be nil, in which case the matching gauge is not updated.
type Sources struct {
	Sessions    func() int
	GameServers func() int
	Spawners    func() int
	SpawnQueue  func() int
	Lobbies     func() int
}

// Collector keeps the Prometheus gauges and counters in sync with the
// master: gauges are polled from Sources on a ticker, counters are fed
// from the event broker.
type Collector struct {
	sources  Sources
	sub      events.Subscriber
	broker   *events.Broker
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector builds a collector over the master's registries and broker.
func NewCollector(sources Sources, broker *events.Broker) *Collector {
	return &Collector{
		sources: sources,
		broker:  broker,
		stopCh:  make(chan struct{}),
	}
}

// Start begins polling gauges and consuming broker events.
func (c *Collector) Start() {
	c.sub = c.broker.Subscribe()
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case event, ok := <-c.sub:
				if !ok {
					ticker.Stop()
					return
				}
				c.consume(event)
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		c.broker.Unsubscribe(c.sub)
		close(c.stopCh)
	})
}

func (c *Collector) collect() {
	if c.sources.Sessions != nil {
		SessionsActive.Set(float64(c.sources.Sessions()))
	}
	if c.sources.GameServers != nil {
		GameServersTotal.Set(float64(c.sources.GameServers()))
	}
	if c.sources.Spawners != nil {
		SpawnersTotal.Set(float64(c.sources.Spawners()))
	}
	if c.sources.SpawnQueue != nil {
		SpawnQueueDepth.Set(float64(c.sources.SpawnQueue()))
	}
	if c.sources.Lobbies != nil {
		LobbiesActive.Set(float64(c.sources.Lobbies()))
	}
}

func (c *Collector) consume(event *events.Event) {
	switch event.Type {
	case events.EventSessionLogin:
		LoginsTotal.WithLabelValues("login").Inc()
	case events.EventGrantIssued:
		GrantsIssuedTotal.Inc()
	case events.EventLobbyStarted:
		LobbiesStartedTotal.Inc()
	case events.EventSpawnTransition:
		switch event.Message {
		case types.SpawnOpen.String():
			SpawnsTotal.WithLabelValues("open").Inc()
		case types.SpawnAborted.String():
			SpawnsTotal.WithLabelValues("aborted").Inc()
		case types.SpawnError.String():
			SpawnsTotal.WithLabelValues("error").Inc()
		}
	}
}
