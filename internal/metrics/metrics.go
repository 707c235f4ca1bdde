// Registers:
//
//	#positionwatch_change_events_total{account,kind}
//	#positionwatch_summaries_total{account,net_kind}
//	#positionwatch_deliveries_total{result}
//	#positionwatch_reconnects_total{account}
//	#positionwatch_malformed_updates_total{account}
//	#positionwatch_session_state{account}
//	#go_* and process_* system metrics
//
// Exposes them through Handler, which the dashboard mounts on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once         sync.Once
	registry     *prometheus.Registry
	changeEvents *prometheus.CounterVec
	summaries    *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	malformed    *prometheus.CounterVec
	sessionState *prometheus.GaugeVec
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		changeEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "positionwatch_change_events_total",
				Help: "Number of position change events produced by the tracker",
			},
			[]string{"account", "kind"},
		)
		summaries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "positionwatch_summaries_total",
				Help: "Number of summaries flushed by the aggregator",
			},
			[]string{"account", "net_kind"},
		)
		deliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "positionwatch_deliveries_total",
				Help: "Notification delivery attempts by result",
			},
			[]string{"result"},
		)
		reconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "positionwatch_reconnects_total",
				Help: "Number of stream reconnect attempts",
			},
			[]string{"account"},
		)
		malformed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "positionwatch_malformed_updates_total",
				Help: "Number of discarded malformed stream messages or entries",
			},
			[]string{"account"},
		)
		sessionState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "positionwatch_session_state",
				Help: "Current session state (0 disconnected, 1 connecting, 2 connected, 3 closing, 4 closed)",
			},
			[]string{"account"},
		)

		registry.MustRegister(changeEvents, summaries, deliveries, reconnects, malformed, sessionState)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the registered collectors in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ChangeEvent(account, kind string) {
	if changeEvents != nil {
		changeEvents.WithLabelValues(account, kind).Inc()
	}
}

func Summary(account, netKind string) {
	if summaries != nil {
		summaries.WithLabelValues(account, netKind).Inc()
	}
}

// Delivery counts one delivery outcome of account: "ok", "retried",
// "failed" or "suppressed".
func Delivery(account, result string) {
	if deliveries != nil {
		deliveries.WithLabelValues(result).Inc()
	}
	deliveryOutcome(account, result)
}

func Reconnect(account string) {
	if reconnects != nil {
		reconnects.WithLabelValues(account).Inc()
	}
}

func Malformed(account string) {
	if malformed != nil {
		malformed.WithLabelValues(account).Inc()
	}
}

func SetSessionState(account string, state int) {
	if sessionState != nil {
		sessionState.WithLabelValues(account).Set(float64(state))
	}
}
