package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"tradegrid/internal/obs"
	"tradegrid/internal/platform"

	"github.com/gorilla/mux"
	"github.com/yanun0323/logs"
)

const _shutdownTimeout = 5 * time.Second

// Server is the HTTP control plane: lifecycle and status endpoints for the
// platform, its robots and its gateways.
type Server struct {
	platform *platform.Platform
	srv      *http.Server
}

func New(addr string, p *platform.Platform) *Server {
	s := &Server{platform: p}
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/", s.home).Methods("GET")
	r.HandleFunc("/api/health", s.health).Methods("GET")

	r.HandleFunc("/api/platform/start", s.platformStart).Methods("POST")
	r.HandleFunc("/api/platform/stop", s.platformStop).Methods("POST")
	r.HandleFunc("/api/platform/status", s.platformStatus).Methods("GET")
	r.HandleFunc("/api/platform/metrics", s.platformMetrics).Methods("GET")

	r.HandleFunc("/api/robot/list", s.robotList).Methods("GET")
	r.HandleFunc("/api/robot/start/{name}", s.robotStart).Methods("POST")
	r.HandleFunc("/api/robot/stop/{name}", s.robotStop).Methods("POST")
	r.HandleFunc("/api/robot/lock/{name}", s.robotLock).Methods("POST")
	r.HandleFunc("/api/robot/status/{name}", s.robotStatus).Methods("GET")
	r.HandleFunc("/api/robot/info/{name}", s.robotInfo).Methods("GET")

	r.HandleFunc("/api/gateway/list", s.gatewayList).Methods("GET")
	r.HandleFunc("/api/gateway/status/{name}", s.gatewayStatus).Methods("GET")
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	logs.Infof("control server listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, _shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logs.Errorf("can't encode response: %v", err)
	}
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) home(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "see README for commands"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeOK(w)
}

func (s *Server) platformStart(w http.ResponseWriter, r *http.Request) {
	if err := s.platform.Start(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeOK(w)
}

func (s *Server) platformStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.platform.Stop(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeOK(w)
}

func (s *Server) platformStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": s.platform.Status().String()})
}

func (s *Server) platformMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.platform.Metrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"order_path":  m.Report(obs.TrackOrderPath),
		"depth_path":  m.Report(obs.TrackDepthPath),
		"queue_drops": m.QueueDrops(),
	})
}

func (s *Server) robotList(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]string, len(s.platform.Robots()))
	for name, r := range s.platform.Robots() {
		out[name] = r.Status().String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) robotStart(w http.ResponseWriter, r *http.Request) {
	rob, ok := s.platform.Robot(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "robot not found", http.StatusNotFound)
		return
	}
	if err := rob.Start(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeOK(w)
}

func (s *Server) robotStop(w http.ResponseWriter, r *http.Request) {
	rob, ok := s.platform.Robot(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "robot not found", http.StatusNotFound)
		return
	}
	if err := rob.Stop(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeOK(w)
}

func (s *Server) robotLock(w http.ResponseWriter, r *http.Request) {
	rob, ok := s.platform.Robot(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "robot not found", http.StatusNotFound)
		return
	}
	if err := rob.Lock(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeOK(w)
}

func (s *Server) robotStatus(w http.ResponseWriter, r *http.Request) {
	rob, ok := s.platform.Robot(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "robot not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": rob.Status().String()})
}

func (s *Server) robotInfo(w http.ResponseWriter, r *http.Request) {
	rob, ok := s.platform.Robot(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "robot not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"info": rob.Info()})
}

func (s *Server) gatewayList(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]string, len(s.platform.Gateways()))
	for name, g := range s.platform.Gateways() {
		out[name] = g.Status().String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	g, ok := s.platform.Gateway(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "gateway not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": g.Status().String()})
}
