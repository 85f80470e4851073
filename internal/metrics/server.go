package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// StatusFunc reports the runner state served at /status. A non-nil error
// turns /healthz unhealthy.
type StatusFunc func() (any, error)

type Server struct {
	srv *http.Server
	log logrus.FieldLogger
}

func NewRouter(rec *Recorder, status StatusFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", rec.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if status != nil {
			if _, err := status(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		var body any = map[string]string{}
		if status != nil {
			v, err := status()
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			body = v
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	return r
}

func NewServer(addr string, rec *Recorder, status StatusFunc, logger logrus.FieldLogger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(rec, status),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger,
	}
}

// Start binds the listener synchronously so a bad address fails fast, then
// serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"event": "status_server_started", "addr": ln.Addr().String()}).Info("serving /metrics and /healthz")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithField("event", "status_server_failed").WithError(err).Error("status server stopped")
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
