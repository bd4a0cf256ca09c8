// Package monitor exposes frame and test counters for Prometheus and a small
// ops HTTP server.
package monitor

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scentsmart/internal/engine"
)

// Metrics registers on its own registry so several instances can coexist in
// tests.
type Metrics struct {
	Registry *prometheus.Registry

	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	CodecErrors    prometheus.Counter
	TrialsScored   *prometheus.CounterVec
	TestsCompleted *prometheus.CounterVec
	EngineState    *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scentsmart_frames_sent_total",
			Help: "Frames written to the device by function code",
		}, []string{"function"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scentsmart_frames_received_total",
			Help: "Frames decoded from the device by function code",
		}, []string{"function"}),
		CodecErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scentsmart_codec_errors_total",
			Help: "Malformed frames dropped",
		}),
		TrialsScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scentsmart_trials_scored_total",
			Help: "Scored trials by test and correctness",
		}, []string{"test", "correct"}),
		TestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scentsmart_tests_completed_total",
			Help: "Finished tests by outcome",
		}, []string{"test", "outcome"}),
		EngineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scentsmart_engine_state",
			Help: "Last observed engine state per test (0 idle .. 5 completed)",
		}, []string{"test"}),
	}
	m.Registry.MustRegister(
		m.FramesSent,
		m.FramesReceived,
		m.CodecErrors,
		m.TrialsScored,
		m.TestsCompleted,
		m.EngineState,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) FrameSent(function uint8) {
	m.FramesSent.WithLabelValues(strconv.Itoa(int(function))).Inc()
}

func (m *Metrics) FrameReceived(function uint8) {
	m.FramesReceived.WithLabelValues(strconv.Itoa(int(function))).Inc()
}

func (m *Metrics) CodecError() { m.CodecErrors.Inc() }

// OnEvent is an engine.Listener.
func (m *Metrics) OnEvent(ev engine.Event) {
	test := string(ev.Test)
	switch ev.Kind {
	case engine.TrialPresented:
		m.EngineState.WithLabelValues(test).Set(float64(engine.StatePresenting))
	case engine.TrialScored:
		m.EngineState.WithLabelValues(test).Set(float64(engine.StateScored))
		if ev.Trial != nil {
			m.TrialsScored.WithLabelValues(test, strconv.FormatBool(ev.Trial.Correct)).Inc()
		}
	case engine.TestCompleted:
		m.EngineState.WithLabelValues(test).Set(float64(engine.StateCompleted))
		outcome := "completed"
		if ev.Result != nil && ev.Result.Quit {
			outcome = "quit"
		}
		m.TestsCompleted.WithLabelValues(test, outcome).Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
