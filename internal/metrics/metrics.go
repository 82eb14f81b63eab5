// Package metrics exposes search progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"archsearch/internal/model"
)

const namespace = "archsearch"

// Recorder implements the monitor's metrics sink on a private registry, so
// several recorders can coexist in one process (tests, embedded clients).
type Recorder struct {
	registry *prometheus.Registry

	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	generations        prometheus.Counter
	bestFitness        prometheus.Gauge
	meanFitness        prometheus.Gauge
	bestSoFar          prometheus.Gauge
	diversity          prometheus.Gauge
	lastGeneration     prometheus.Gauge
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Genome evaluations by outcome.",
		}, []string{"outcome"}),
		evaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of a single genome evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
		}),
		generations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generations evaluated.",
		}),
		bestFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_best_fitness",
			Help:      "Best fitness of the latest generation.",
		}),
		meanFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_mean_fitness",
			Help:      "Mean fitness of the latest generation.",
		}),
		bestSoFar: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_fitness_so_far",
			Help:      "Best fitness seen in the current run.",
		}),
		diversity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_fingerprint_diversity",
			Help:      "Distinct genome fingerprints in the latest generation.",
		}),
		lastGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Index of the latest evaluated generation.",
		}),
	}
	r.registry.MustRegister(
		r.evaluations,
		r.evaluationDuration,
		r.generations,
		r.bestFitness,
		r.meanFitness,
		r.bestSoFar,
		r.diversity,
		r.lastGeneration,
	)
	return r
}

func (r *Recorder) ObserveEvaluation(duration time.Duration, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	r.evaluations.WithLabelValues(outcome).Inc()
	r.evaluationDuration.Observe(duration.Seconds())
}

func (r *Recorder) ObserveGeneration(diag model.GenerationDiagnostics) {
	r.generations.Inc()
	r.bestFitness.Set(diag.BestFitness)
	r.meanFitness.Set(diag.MeanFitness)
	r.bestSoFar.Set(diag.BestSoFar)
	r.diversity.Set(float64(diag.FingerprintDiversity))
	r.lastGeneration.Set(float64(diag.Generation))
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	Addr     string
	Recorder *Recorder
}

func (s *Server) Name() string {
	return "metrics:" + s.Addr
}

func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: s.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
