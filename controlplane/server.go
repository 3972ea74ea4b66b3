// Package controlplane exposes the operator surface over HTTP: kernel
// status, subsystem listing, the textual command channel, Prometheus
// metrics, and a live event tap over websocket.
package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/kernel/eventbus"
	"github.com/HelixOS-Org/helix/kernel/orchestrator"
)

// Server is the control-plane HTTP server.
type Server struct {
	kernel *orchestrator.Kernel
	logger *logging.Logger
	router *mux.Router
	http   *http.Server

	upgrader websocket.Upgrader
}

// New creates a Server bound to addr.
func New(kernel *orchestrator.Kernel, logger *logging.Logger, addr string) *Server {
	s := &Server{
		kernel: kernel,
		logger: logger.Named("controlplane"),
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.routes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/subsystems", s.handleSubsystems).Methods(http.MethodGet)
	s.router.HandleFunc("/subsystems/{name}", s.handleSubsystem).Methods(http.MethodGet)
	s.router.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.WithFields(map[string]interface{}{"addr": s.http.Addr}).Info("Control plane listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.kernel.State()
	status := http.StatusOK
	if state != orchestrator.StateRunning && state != orchestrator.StateDegraded {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"state": state.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out, code := s.kernel.Exec(r.Context(), "status")
	s.writeJSON(w, httpStatusFor(code), map[string]any{
		"state":     s.kernel.State().String(),
		"exit_code": code,
		"output":    out,
		"bus":       s.kernel.Bus.Stats(),
	})
}

type subsystemView struct {
	Name     string `json:"name"`
	Phase    string `json:"phase"`
	Version  string `json:"version,omitempty"`
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
}

func (s *Server) subsystemView(name string) (subsystemView, bool) {
	desc, err := s.kernel.Registry.Lookup(name)
	if err != nil {
		return subsystemView{}, false
	}
	view := subsystemView{
		Name:     name,
		Phase:    desc.Phase.String(),
		Critical: desc.Critical,
		Status:   "inactive",
	}
	if v := s.kernel.Registry.ActiveVersion(name); v != nil {
		view.Version = v.String()
		view.Status = s.kernel.Watchdog.Status(name).String()
	}
	return view, true
}

func (s *Server) handleSubsystems(w http.ResponseWriter, r *http.Request) {
	var views []subsystemView
	for _, name := range s.kernel.Registry.Names() {
		if view, ok := s.subsystemView(name); ok {
			views = append(views, view)
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSubsystem(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	view, ok := s.subsystemView(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown subsystem " + name})
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type commandRequest struct {
	Line string `json:"line"`
}

type commandResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	out, code := s.kernel.Exec(r.Context(), req.Line)
	s.writeJSON(w, httpStatusFor(code), commandResponse{Output: out, ExitCode: code})
}

func httpStatusFor(code int) int {
	switch code {
	case orchestrator.ExitOK:
		return http.StatusOK
	case orchestrator.ExitInvalidArgument:
		return http.StatusBadRequest
	case orchestrator.ExitDeadlineExceeded:
		return http.StatusGatewayTimeout
	case orchestrator.ExitKernelHalting:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleEvents streams bus traffic for the requested topic (default
// kernel.state) over a websocket until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = "kernel.state"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.kernel.Bus.Subscribe("controlplane:"+logging.NewTraceID(), topic, eventbus.AllPriorities)
	defer s.kernel.Bus.Unsubscribe(sub)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			for {
				msg, ok := s.kernel.Bus.Poll(sub)
				if !ok {
					break
				}
				payload := map[string]any{
					"topic":    msg.Topic,
					"priority": msg.Priority.String(),
					"seq":      msg.Seq,
					"payload":  msg.Payload,
				}
				if err := conn.WriteJSON(payload); err != nil {
					return
				}
			}
		}
	}
}
