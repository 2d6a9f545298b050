package server

import "github.com/prometheus/client_golang/prometheus"

var (
	OpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_open_connections",
		Help: "Number of open client connections, authenticated or not",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_online_users",
		Help: "Number of users in the presence registry",
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_commands_total",
		Help: "Commands processed by type",
	}, []string{"type"})

	RoutedMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_routed_messages_total",
		Help: "Private messages by routing result",
	}, []string{"result"})

	AuthResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_auth_results_total",
		Help: "Login and registration outcomes",
	}, []string{"result"})

	GatewayErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_gateway_errors_total",
		Help: "Failed persistence calls by operation",
	}, []string{"op"})

	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_command_seconds",
		Help:    "Time to process each command type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(OpenConnections)
	prometheus.MustRegister(OnlineUsers)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(RoutedMessagesTotal)
	prometheus.MustRegister(AuthResultsTotal)
	prometheus.MustRegister(GatewayErrorsTotal)
	prometheus.MustRegister(CommandDuration)
}
