package diagnostics_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"

	"github.com/embeddedsocial/pipeline/diagnostics"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
	_ "github.com/embeddedsocial/pipeline/queue/memory"
	"github.com/embeddedsocial/pipeline/worker"
)

type staticSource []*worker.Worker

func (s staticSource) Workers() []*worker.Worker {
	return s
}

func newWorker(t *testing.T) *worker.Worker {
	t.Helper()

	tr, err := queue.NewTransport(messages.QueueLikes, "mem://"+xid.New().String(),
		queue.WithReceiveWait(20*time.Millisecond))
	require.NoError(t, err)

	q := queue.NewQueue(messages.QueueLikes, tr, messages.KindLike)
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	return worker.New("likes-0", q, worker.HandlerFunc(func(context.Context, *queue.Message) error {
		return nil
	}))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	idle := newWorker(t)
	running := newWorker(t)

	go func() { _ = running.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return running.State() == worker.StateRunning
	}, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = running.Stop(context.Background()) })

	testCases := []struct {
		name    string
		workers staticSource
		code    int
	}{
		{name: "no workers", workers: nil, code: http.StatusServiceUnavailable},
		{name: "idle worker", workers: staticSource{running, idle}, code: http.StatusServiceUnavailable},
		{name: "all running", workers: staticSource{running}, code: http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, diagnostics.NewServer(tc.workers).Handler(), "/healthz")
			require.Equal(t, tc.code, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestWorkersReportsState(t *testing.T) {
	w := newWorker(t)

	rec := get(t, diagnostics.NewServer(staticSource{w}).Handler(), "/workers")
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []diagnostics.WorkerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	require.Equal(t, "likes-0", statuses[0].Name)
	require.Equal(t, messages.QueueLikes, statuses[0].Queue)
	require.Equal(t, worker.StateIdle.String(), statuses[0].State)
}

func TestPprofIndexIsServed(t *testing.T) {
	rec := get(t, diagnostics.NewServer(staticSource{}).Handler(), "/debug/pprof/")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartAndStop(t *testing.T) {
	srv := diagnostics.NewServer(staticSource{})
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))
	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}
