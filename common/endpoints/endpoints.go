// Package endpoints serves the admin HTTP surface of the daemon: health,
// metrics, and the resource operations used by xpmcl and run scripts.
package endpoints

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/scheduler"
)

func NewTwitterServer(addr string, stats stats.StatsReceiver, sched *scheduler.Scheduler) *TwitterServer {
	s := &TwitterServer{
		Addr:      addr,
		Stats:     stats,
		Scheduler: sched,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

type TwitterServer struct {
	Addr      string
	Stats     stats.StatsReceiver
	Scheduler *scheduler.Scheduler

	mux *http.ServeMux
}

func (s *TwitterServer) routes() {
	s.mux.HandleFunc("/", helpHandler)
	s.mux.HandleFunc("/health", healthHandler)
	s.mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	if s.Scheduler == nil {
		return
	}
	h := &ResourceHandler{sched: s.Scheduler}
	s.mux.HandleFunc("GET /resources/{ref...}", h.status)
	s.mux.HandleFunc("POST /resources", h.submit)
	s.mux.HandleFunc("POST /resources/{id}/restart", h.restart)
	s.mux.HandleFunc("POST /resources/{id}/kill", h.kill)
	s.mux.HandleFunc("POST /resources/{id}/delete", h.delete)
	s.mux.HandleFunc("POST /resources/{id}/clean", h.clean)
	s.mux.HandleFunc("POST /notify/{id}", h.notify)
	s.mux.HandleFunc("POST /admin/cleanup-locks", h.cleanupLocks)
	s.mux.HandleFunc("POST /experiments", h.newExperiment)
	s.mux.HandleFunc("POST /experiments/{id}/hold", h.holdExperiment)
	s.mux.HandleFunc("POST /experiments/{id}/restart", h.restartExperiment)
	s.mux.HandleFunc("POST /experiments/supersede", h.supersede)
}

// Handler returns the routes, for tests and embedding.
func (s *TwitterServer) Handler() http.Handler {
	return s.mux
}

// Serve blocks until ctx is done or the listener fails. On cancellation the
// server drains in-flight requests for up to five seconds.
func (s *TwitterServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *TwitterServer) ServeListener(ctx context.Context, ln net.Listener) error {
	server := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()
	log.WithFields(log.Fields{"addr": ln.Addr().String()}).Info("Serving http & stats")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != http.ErrServerClosed {
		return err
	}
	return nil
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Common paths: '/health', '/admin/metrics.json', '/resources/{id|locator}', '/notify/{id}'", 501)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *TwitterServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	const contentTypeHdr = "Content-Type"
	const contentTypeVal = "application/json; charset=utf-8"
	w.Header().Set(contentTypeHdr, contentTypeVal)

	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
}
