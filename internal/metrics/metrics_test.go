package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archsearch/internal/model"
)

func TestRecorderObservations(t *testing.T) {
	r := NewRecorder()
	r.ObserveEvaluation(20*time.Millisecond, false)
	r.ObserveEvaluation(5*time.Millisecond, false)
	r.ObserveEvaluation(time.Millisecond, true)
	r.ObserveGeneration(model.GenerationDiagnostics{Generation: 2, BestFitness: 0.8, MeanFitness: 0.5, BestSoFar: 0.85, FingerprintDiversity: 4})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.evaluations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.evaluations.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.generations))
	assert.Equal(t, 0.8, testutil.ToFloat64(r.bestFitness))
	assert.Equal(t, 0.85, testutil.ToFloat64(r.bestSoFar))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.diversity))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.lastGeneration))
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.ObserveGeneration(model.GenerationDiagnostics{Generation: 1})
	assert.Equal(t, 1.0, testutil.ToFloat64(a.generations))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.generations))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRecorder()
	r.ObserveEvaluation(time.Millisecond, false)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `archsearch_evaluations_total{outcome="ok"} 1`)
}

func TestServerServesUntilCancelled(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	srv := &Server{Addr: addr, Recorder: NewRecorder()}
	assert.Equal(t, "metrics:"+addr, srv.Name())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + addr + "/healthz")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
