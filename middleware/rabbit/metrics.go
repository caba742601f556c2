package rabbit

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "shopbus"
	metricsSubsystem = "rabbitmq"

	resultOk           = "ok"
	resultError        = "error"
	resultBackpressure = "backpressure"
	resultTimeout      = "timeout"
	resultAck          = "ack"
	resultNack         = "nack"
)

var (
	publishCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "publish_total",
		Help:      "Messages published, by result (ok, backpressure, error).",
	}, []string{"result"})

	consumeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "consume_total",
		Help:      "Events consumed by subscribers, by outcome (ack, nack).",
	}, []string{"outcome"})

	rpcCallHisto = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "rpc_call_duration_seconds",
		Help:      "Duration of rpc calls, by outcome (ok, timeout, error).",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"outcome"})

	rpcServedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "rpc_served_total",
		Help:      "Rpc requests served, by outcome (ok, error).",
	}, []string{"outcome"})

	reconnectCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "connections_opened_total",
		Help:      "Connections opened to the broker.",
	})
)

func init() {
	prometheus.MustRegister(publishCounter, consumeCounter, rpcCallHisto, rpcServedCounter, reconnectCounter)
}

func observeRpcCall(start time.Time, err error) {
	outcome := resultOk
	if err != nil {
		outcome = resultError
		if errors.Is(err, ErrRpcTimeout) {
			outcome = resultTimeout
		}
	}
	rpcCallHisto.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
