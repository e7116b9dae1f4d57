package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "mutations_total",
		Help:      "Task mutations by originating channel, operation and outcome.",
	}, []string{"origin", "op", "outcome"})

	broadcastEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "events_total",
		Help:      "Change events published, by kind.",
	}, []string{"kind"})

	broadcastFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "publish_failures_total",
		Help:      "Change events the relay rejected, by kind.",
	}, []string{"kind"})

	listenersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "listeners",
		Help:      "Currently connected realtime listeners.",
	})

	listenersEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "listeners_evicted_total",
		Help:      "Listeners disconnected because their outbound queue was full.",
	})

	realtimeInbound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "inbound_messages_total",
		Help:      "Inbound realtime messages, by event name.",
	}, []string{"event"})
)

func init() {
	registry.MustRegister(
		mutations,
		broadcastEvents,
		broadcastFailures,
		listenersConnected,
		listenersEvicted,
		realtimeInbound,
	)
}

// ObserveMutation counts one task mutation attempt.
func ObserveMutation(origin, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	mutations.WithLabelValues(origin, op, outcome).Inc()
}

// ObserveBroadcast counts one published change event.
func ObserveBroadcast(kind string, err error) {
	if err != nil {
		broadcastFailures.WithLabelValues(kind).Inc()
		return
	}
	broadcastEvents.WithLabelValues(kind).Inc()
}

// ListenerConnected increments the connected listener gauge.
func ListenerConnected() { listenersConnected.Inc() }

// ListenerDisconnected decrements the connected listener gauge.
func ListenerDisconnected() { listenersConnected.Dec() }

// ListenerEvicted counts a slow listener eviction.
func ListenerEvicted() { listenersEvicted.Inc() }

// ObserveInbound counts one inbound realtime message.
func ObserveInbound(event string) {
	realtimeInbound.WithLabelValues(event).Inc()
}
