// Package diagnostics serves pprof profiles and the health of the worker loops
// on a side port.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/embeddedsocial/pipeline/worker"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// WorkerSource lists the loops whose health is reported.
type WorkerSource interface {
	Workers() []*worker.Worker
}

// WorkerStatus is the reported view of one worker.
type WorkerStatus struct {
	Name                  string        `json:"name"`
	Queue                 string        `json:"queue"`
	State                 string        `json:"state"`
	Received              int64         `json:"received"`
	Completed             int64         `json:"completed"`
	Abandoned             int64         `json:"abandoned"`
	Failed                int64         `json:"failed"`
	ReceiveErrors         int64         `json:"receive_errors"`
	Active                int64         `json:"active"`
	AverageProcessingTime time.Duration `json:"average_processing_time_ns"`
	IdleTime              time.Duration `json:"idle_time_ns"`
}

type Server struct {
	source WorkerSource
	server *http.Server
}

func NewServer(source WorkerSource) *Server {
	return &Server{source: source}
}

// Handler routes /healthz, /workers and /debug/pprof/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.health)
	mux.HandleFunc("/workers", s.workers)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func (s *Server) statuses() []WorkerStatus {
	workers := s.source.Workers()
	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		st := w.Stats()
		out = append(out, WorkerStatus{
			Name:                  w.Name(),
			Queue:                 w.QueueName(),
			State:                 w.State().String(),
			Received:              st.Received,
			Completed:             st.Completed,
			Abandoned:             st.Abandoned,
			Failed:                st.Failed,
			ReceiveErrors:         st.ReceiveErrors,
			Active:                st.Active,
			AverageProcessingTime: st.AverageProcessingTime,
			IdleTime:              st.IdleTime,
		})
	}
	return out
}

// health answers 200 while every worker is running and 503 otherwise.
func (s *Server) health(rw http.ResponseWriter, req *http.Request) {
	workers := s.source.Workers()

	code := http.StatusOK
	if len(workers) == 0 {
		code = http.StatusServiceUnavailable
	}
	for _, w := range workers {
		if w.State() != worker.StateRunning {
			code = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(req.Context(), rw, code, map[string]any{
		"status":  http.StatusText(code),
		"workers": len(workers),
	})
}

func (s *Server) workers(rw http.ResponseWriter, req *http.Request) {
	writeJSON(req.Context(), rw, http.StatusOK, s.statuses())
}

func writeJSON(ctx context.Context, rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		util.Log(ctx).WithError(err).Debug("could not write diagnostics response")
	}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	log := util.Log(ctx).WithField("addr", listener.Addr().String())
	s.server = &http.Server{
		Handler:           otelhttp.NewHandler(s.Handler(), "diagnostics"),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("diagnostics server failed")
		}
	}()

	log.Info("diagnostics server started")
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.server = nil
	return err
}
