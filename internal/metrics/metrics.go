// Package metrics exposes Prometheus counters and gauges for stream health
// and order activity. All collectors are package-level and registered with
// the default registry; Serve starts the /metrics endpoint.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ENSMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxbot_ens_messages_total",
		Help: "ENS stream messages received, including heartbeats.",
	})
	ENSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxbot_ens_reconnects_total",
		Help: "ENS reconnect attempts.",
	})
	ENSConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxbot_ens_connected",
		Help: "1 while the ENS WebSocket is connected.",
	})
	ENSSilence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxbot_ens_silence_seconds",
		Help: "Seconds since the last ENS message was received.",
	})
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxbot_orders_placed_total",
		Help: "Orders accepted by the broker, by kind (entry, exit, bracket).",
	}, []string{"kind"})
	OrderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxbot_order_failures_total",
		Help: "Order submissions that ended in an error outcome, by kind.",
	}, []string{"kind"})
	TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxbot_token_refreshes_total",
		Help: "Successful access-token refreshes.",
	})
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxbot_notifications_sent_total",
		Help: "Webhook notifications delivered.",
	})
)

// Serve exposes /metrics on the given port. Blocks until the server fails.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
