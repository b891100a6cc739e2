// Registers, per Recorder:
//
//	#hvcollector_transport_attempts_total{provider,outcome}
//	#hvcollector_transport_attempt_seconds{provider}
//	#hvcollector_assets_total{outcome,provider}
//	#hvcollector_asset_seconds{outcome}
//	#hvcollector_records_total
//	#go_* and process_* system metrics
//
// Server exposes the current run's registry on /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hvcollector/logger"
	"hvcollector/models"
)

const namespace = "hvcollector"

// Recorder owns its registry, so two runs in one process never share
// counters.
type Recorder struct {
	registry *prometheus.Registry

	attempts       *prometheus.CounterVec
	attemptSeconds *prometheus.HistogramVec
	assets         *prometheus.CounterVec
	assetSeconds   *prometheus.HistogramVec
	records        prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_attempts_total",
			Help:      "HTTP attempts per provider by outcome",
		}, []string{"provider", "outcome"}),
		attemptSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_attempt_seconds",
			Help:      "Elapsed time from first attempt to each attempt outcome",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		assets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_total",
			Help:      "Finished assets by outcome and resolving provider",
		}, []string{"outcome", "provider"}),
		assetSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "asset_seconds",
			Help:      "Wall time per asset",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"outcome"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Volatility records produced",
		}),
	}
	r.registry.MustRegister(
		r.attempts, r.attemptSeconds, r.assets, r.assetSeconds, r.records,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveAttempt records one transport attempt.
func (r *Recorder) ObserveAttempt(provider models.Provider, outcome string, elapsed time.Duration) {
	r.attempts.WithLabelValues(string(provider), outcome).Inc()
	r.attemptSeconds.WithLabelValues(string(provider)).Observe(elapsed.Seconds())
}

// ObserveAsset records one finished asset.
func (r *Recorder) ObserveAsset(outcome string, provider models.Provider, records int, elapsed time.Duration) {
	r.assets.WithLabelValues(outcome, string(provider)).Inc()
	r.assetSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	r.records.Add(float64(records))
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Server exposes the registry of the current run on /metrics. Schedule
// mode swaps in a fresh Recorder for every run.
type Server struct {
	current atomic.Pointer[Recorder]
}

// Use makes r the recorder served from now on.
func (s *Server) Use(r *Recorder) { s.current.Store(r) }

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r := s.current.Load()
	if r == nil {
		http.Error(w, "no run has started yet", http.StatusServiceUnavailable)
		return
	}
	r.Handler().ServeHTTP(w, req)
}

// Run serves /metrics on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log := logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"address": addr})
	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown failed")
			return err
		}
		log.Info("metrics server stopped")
		return nil
	}
}
