// Package metrics exports the controller status as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxkey/controller"
	"voxkey/log"
)

const namespace = "voxkey"

var states = []controller.State{controller.Idle, controller.Starting, controller.Active, controller.Stopping}

// Metrics mirrors controller.Status. It is a controller.StatusObserver;
// cumulative status counters are turned into Prometheus counters by delta.
type Metrics struct {
	Registry *prometheus.Registry

	Sessions        prometheus.Counter
	Overruns        prometheus.Counter
	DroppedSamples  prometheus.Counter
	TransportErrors prometheus.Counter
	DeviceErrors    prometheus.Counter
	Anomalies       prometheus.Counter
	Reconnects      prometheus.Counter
	Finals          prometheus.Counter
	State           *prometheus.GaugeVec

	mu   sync.Mutex
	last controller.Status
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	m := &Metrics{
		Registry:        reg,
		Sessions:        counter("sessions_total", "Recording sessions that reached the active state"),
		Overruns:        counter("audio_overruns_total", "Ring buffer overruns reported by the chunker"),
		DroppedSamples:  counter("audio_dropped_samples_total", "Samples lost to ring buffer overruns"),
		TransportErrors: counter("transport_errors_total", "Transcription transport failures"),
		DeviceErrors:    counter("device_errors_total", "Audio device failures"),
		Anomalies:       counter("service_anomalies_total", "Finals revised after they were typed"),
		Reconnects:      counter("reconnects_total", "Successful stream reconnects"),
		Finals:          counter("finals_total", "Final transcripts typed"),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recording_state",
			Help:      "1 for the current recording state, 0 otherwise",
		}, []string{"state"}),
	}
	reg.MustRegister(collectors.NewGoCollector())
	m.setState(controller.Idle)
	return m
}

func (m *Metrics) setState(s controller.State) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		m.State.WithLabelValues(st.String()).Set(v)
	}
}

func addDelta[T int | uint64](c prometheus.Counter, now, prev T) {
	if now > prev {
		c.Add(float64(now - prev))
	}
}

func (m *Metrics) OnStatus(st controller.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.last
	m.last = st

	m.setState(st.State)
	addDelta(m.Sessions, st.Sessions, prev.Sessions)
	addDelta(m.Overruns, st.Overruns, prev.Overruns)
	addDelta(m.DroppedSamples, st.DroppedSamples, prev.DroppedSamples)
	addDelta(m.TransportErrors, st.TransportErrors, prev.TransportErrors)
	addDelta(m.DeviceErrors, st.DeviceErrors, prev.DeviceErrors)
	addDelta(m.Anomalies, st.Anomalies, prev.Anomalies)
	addDelta(m.Reconnects, st.Reconnects, prev.Reconnects)
	addDelta(m.Finals, st.Finals, prev.Finals)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Server serves /metrics and /healthz.
type Server struct {
	server *http.Server
	addr   string
}

func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func (s *Server) Start() {
	go func() {
		log.Info("metrics server listening on " + s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
