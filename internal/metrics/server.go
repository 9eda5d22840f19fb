package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tickframe/logpipe/internal/monitoring"
	"github.com/tickframe/logpipe/pkg/types"
)

// ResourceSampler é a visão do monitor de recursos que o /stats expõe.
type ResourceSampler interface {
	GetSample() monitoring.Sample
}

// Server servidor HTTP de métricas, health e stats
type Server struct {
	server   *http.Server
	logger   *logrus.Logger
	registry *prometheus.Registry
	pipe     PipelineStats
	disp     DispatchStats
	sink     types.Sink
	mon      ResourceSampler
}

// NewServer cria o servidor de observabilidade com registry próprio.
func NewServer(addr, metricsPath string, pipe PipelineStats, disp DispatchStats, sink types.Sink, mon ResourceSampler, logger *logrus.Logger) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewCollector(pipe, disp),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		logger:   logger,
		registry: registry,
		pipe:     pipe,
		disp:     disp,
		sink:     sink,
		mon:      mon,
	}

	router := mux.NewRouter()
	router.Handle(metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	router.HandleFunc("/stats", s.statsHandler).Methods("GET")
	router.HandleFunc("/stats/reset", s.statsResetHandler).Methods("POST")

	s.server = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Start inicia o servidor de métricas
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Metrics server error")
		}
	}()

	return nil
}

// Stop para o servidor de métricas
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")
	return s.server.Close()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := s.sink == nil || s.sink.IsHealthy()

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	resp := map[string]interface{}{
		"status": map[bool]string{true: "healthy", false: "unhealthy"}[healthy],
	}
	if s.sink != nil {
		resp["sink"] = s.sink.Name()
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := s.pipe.Snapshot()

	resp := map[string]interface{}{
		"stats":               snapshot,
		"channel_utilization": s.pipe.ChannelUtilization(),
		"pool_outstanding":    s.pipe.PoolOutstanding(),
	}
	if s.disp != nil {
		resp["queue_utilization"] = s.disp.QueueUtilization()
		resp["circuit_breaker"] = s.disp.BreakerStats()
	}
	if s.mon != nil {
		resp["resources"] = s.mon.GetSample()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) statsResetHandler(w http.ResponseWriter, r *http.Request) {
	s.pipe.ResetStats()
	s.logger.Info("Stats epoch reset via admin endpoint")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]uint64{"epoch": s.pipe.Snapshot().Epoch})
}
