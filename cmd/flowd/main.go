// Command flowd is the HTTP+WebSocket front door for a registry of
// flows (spec.md §4.10): run a named flow, resume/cancel a flow id,
// fetch its current snapshot, and watch status transitions over a
// websocket feed. Grounded on the teacher's pkg/api/server.go and
// pkg/api/websocket.go, retargeted from agent lifecycle events onto
// flow lifecycle events and from golang.org/x/net/websocket onto
// gorilla/websocket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nuulab/flowcore/pkg/cron"
	"github.com/nuulab/flowcore/pkg/dsl"
	"github.com/nuulab/flowcore/pkg/metrics"
	"github.com/nuulab/flowcore/pkg/registry"
	"github.com/nuulab/flowcore/pkg/resume"
	"github.com/nuulab/flowcore/pkg/store/memstore"
	"github.com/nuulab/flowcore/pkg/wait"
)

func main() {
	port := flag.Int("port", 8080, "HTTP listen port")
	scanInterval := flag.Duration("scan-interval", 2*time.Second, "wait-timeout scan interval")
	flag.Parse()

	if envPort := os.Getenv("FLOWCORE_PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", port)
	}

	reg := registry.New()
	med := demoMediator()
	st := memstore.New()
	reg.Register("order", 1, demoOrderFlow(), med, st)

	resumer := resume.New(reg)
	exec, _ := reg.Executor("order", 0)
	exec.Coordinator().SetResumer(resumer)

	scanner := wait.NewScanner(exec.Coordinator(), *scanInterval)

	sched := cron.New(reg)
	_ = sched.Add("order-heartbeat", "order", "@every 5m", func() dsl.Identifiable { return &orderState{OrderID: "scheduled"} })

	srv := newServer(reg, sched)

	ctx, cancel := context.WithCancel(context.Background())
	scanner.Start(ctx)
	sched.Start(ctx)
	go srv.hub.run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: srv.routes(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("flowd: shutting down")
		cancel()
		scanner.Stop()
		sched.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("flowd listening on :%d", *port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("flowd: %v", err)
	}
	log.Println("flowd: stopped")
}

// server wires a registry to the HTTP/websocket surface.
type server struct {
	registry  *registry.Registry
	scheduler *cron.Scheduler
	hub       *hub
}

func newServer(reg *registry.Registry, sched *cron.Scheduler) *server {
	return &server{registry: reg, scheduler: sched, hub: newHub()}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/ws", s.hub.serveWS)
	mux.HandleFunc("/flows/", s.handleFlows)
	mux.HandleFunc("/schedules", s.handleSchedules)
	mux.Handle("/metrics", metrics.Default.Handler())
	return s.cors(mux)
}

func (s *server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.List())
}

func (s *server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleFlows routes:
//
//	POST /flows/{name}/run
//	POST /flows/{id}/cancel
//	POST /flows/{id}/resume
//	GET  /flows/{id}
func (s *server) handleFlows(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/flows/")
	parts := strings.SplitN(path, "/", 2)

	switch {
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "run":
		s.handleRun(w, r, parts[0])
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "cancel":
		s.handleCancel(w, r, parts[0])
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "resume":
		s.handleResume(w, r, parts[0])
	case r.Method == http.MethodGet && len(parts) == 1:
		s.handleGet(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "no such route")
	}
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request, name string) {
	var state orderState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	metrics.Default.FlowsStarted.Inc()
	start := time.Now()
	result, err := s.registry.RunNamed(r.Context(), name, &state)
	metrics.Default.FlowDuration.ObserveDuration(start)
	if err != nil {
		metrics.Default.FlowsFailed.Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.Default.FlowsCompleted.Inc()

	s.hub.broadcast(event{Type: "flow.transition", FlowID: result.FlowID, Data: result.Status})
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request, flowID string) {
	exec, ok := s.registry.Executor("order", 0)
	if !ok {
		writeError(w, http.StatusNotFound, "no executor registered")
		return
	}

	cancelled, err := exec.Cancel(r.Context(), flowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.hub.broadcast(event{Type: "flow.transition", FlowID: flowID, Data: "cancelled"})
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request, flowID string) {
	exec, ok := s.registry.Executor("order", 0)
	if !ok {
		writeError(w, http.StatusNotFound, "no executor registered")
		return
	}

	result, err := exec.Resume(r.Context(), flowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.Default.FlowsResumed.Inc()

	s.hub.broadcast(event{Type: "flow.transition", FlowID: flowID, Data: result.Status})
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request, flowID string) {
	exec, ok := s.registry.Executor("order", 0)
	if !ok {
		writeError(w, http.StatusNotFound, "no executor registered")
		return
	}

	snap, err := exec.Get(r.Context(), flowID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
