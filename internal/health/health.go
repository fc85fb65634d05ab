// Package health serves the liveness, readiness and metrics endpoints.
// /health reports per-dependency checks (gateway session, broker,
// process memory) with an overall status, /ready gates traffic on the
// gateway and broker being up, /metrics is Prometheus.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DiscordCheck is the gateway session slice of the health document.
type DiscordCheck struct {
	Connected bool  `json:"connected"`
	Latency   int64 `json:"latency"`
	ShardID   int   `json:"shardId"`
}

// BrokerCheck is the broker slice of the health document.
type BrokerCheck struct {
	Connected   bool `json:"connected"`
	ChannelOpen bool `json:"channelOpen"`
}

// MemoryCheck is the process heap slice of the health document.
type MemoryCheck struct {
	HeapUsed       uint64 `json:"heapUsed"`
	HeapTotal      uint64 `json:"heapTotal"`
	RSS            uint64 `json:"rss"`
	BelowThreshold bool   `json:"belowThreshold"`
}

type document struct {
	Status string `json:"status"`
	Checks struct {
		Discord  *DiscordCheck `json:"discord,omitempty"`
		RabbitMQ *BrokerCheck  `json:"rabbitmq"`
		Memory   *MemoryCheck  `json:"memory"`
	} `json:"checks"`
}

// Config wires a health server. Discord is nil for the worker, which
// never opens a gateway session.
type Config struct {
	Port              int
	MemoryThresholdMB int

	Discord func() DiscordCheck
	Broker  func() BrokerCheck
	// Ready gates /ready; nil means ready as soon as the process is up.
	Ready func() bool

	Logger *slog.Logger
}

// Server is the HTTP sidecar of both binaries.
type Server struct {
	cfg Config
	log *slog.Logger
	srv *http.Server
}

// NewServer builds the server; Start binds the port.
func NewServer(cfg Config) *Server {
	if cfg.MemoryThresholdMB <= 0 {
		cfg.MemoryThresholdMB = 75
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{cfg: cfg, log: log.With("component", "health")}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It runs on its own goroutine and
// reports a dead listener through the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("Health server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc, healthy := s.document()
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// document assembles the check set and reports overall health.
func (s *Server) document() (*document, bool) {
	healthy := true
	doc := &document{}

	if s.cfg.Discord != nil {
		check := s.cfg.Discord()
		doc.Checks.Discord = &check
		healthy = healthy && check.Connected
	}

	brokerCheck := BrokerCheck{}
	if s.cfg.Broker != nil {
		brokerCheck = s.cfg.Broker()
	}
	doc.Checks.RabbitMQ = &brokerCheck
	healthy = healthy && brokerCheck.Connected && brokerCheck.ChannelOpen

	mem := s.memory()
	doc.Checks.Memory = &mem
	healthy = healthy && mem.BelowThreshold

	doc.Status = "healthy"
	if !healthy {
		doc.Status = "degraded"
	}
	return doc, healthy
}

func (s *Server) memory() MemoryCheck {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryCheck{
		HeapUsed:       ms.HeapAlloc,
		HeapTotal:      ms.HeapSys,
		RSS:            ms.Sys,
		BelowThreshold: ms.HeapAlloc < uint64(s.cfg.MemoryThresholdMB)*1024*1024,
	}
}
