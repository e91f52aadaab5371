package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rently"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		},
		[]string{"route", "code"},
	)

	reservationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_operations_total",
			Help:      "Reservation operations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	serializationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serialization_retries_total",
			Help:      "Write units retried after a serialization failure.",
		},
	)

	completionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_runs_total",
			Help:      "Completion worker runs by result.",
		},
		[]string{"result"},
	)

	completedReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_completed_total",
			Help:      "Reservations moved to completed by the scheduler.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, reservationOps, serializationRetries, completionRuns, completedReservations)
	})
}

func IncHTTP(route, code string) {
	httpRequests.WithLabelValues(route, code).Inc()
}

// ObserveOp counts a reservation operation; outcome is "ok" or an error kind.
func ObserveOp(op, outcome string) {
	reservationOps.WithLabelValues(op, outcome).Inc()
}

func IncSerializationRetry() {
	serializationRetries.Inc()
}

func ObserveCompletionRun(result string, completed int) {
	completionRuns.WithLabelValues(result).Inc()
	completedReservations.Add(float64(completed))
}
