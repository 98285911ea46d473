package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_sessions_active",
			Help: "Number of attached sessions",
		},
	)

	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_logins_total",
			Help: "Total number of logins by kind",
		},
		[]string{"kind"},
	)

	// Game server metrics
	GameServersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_game_servers_total",
			Help: "Number of registered game servers",
		},
	)

	SpawnersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_spawners_total",
			Help: "Number of registered spawners",
		},
	)

	// Spawn metrics
	SpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_spawns_total",
			Help: "Total number of finished spawn requests by outcome",
		},
		[]string{"outcome"},
	)

	SpawnQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_spawn_queue_depth",
			Help: "Spawn requests waiting for a free spawner slot",
		},
	)

	// Access metrics
	GrantsIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_grants_issued_total",
			Help: "Total number of access grants issued",
		},
	)

	// Lobby metrics
	LobbiesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_lobbies_active",
			Help: "Number of live lobbies",
		},
	)

	LobbiesStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_lobbies_started_total",
			Help: "Total number of lobbies that started a game",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(LoginsTotal)
	prometheus.MustRegister(GameServersTotal)
	prometheus.MustRegister(SpawnersTotal)
	prometheus.MustRegister(SpawnsTotal)
	prometheus.MustRegister(SpawnQueueDepth)
	prometheus.MustRegister(GrantsIssuedTotal)
	prometheus.MustRegister(LobbiesActive)
	prometheus.MustRegister(LobbiesStartedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
