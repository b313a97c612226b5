// Package api is the control plane of the SIP bridge: health, call
// listing, outbound origination, hangup and blind transfer.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sebas/maitred/internal/media"
	"github.com/sebas/maitred/internal/sipbridge"
)

// Controller is the bridge surface the API drives.
type Controller interface {
	Registered() bool
	Account() string
	Config() *sipbridge.Config
	Store() *sipbridge.Store
	MakeCall(req sipbridge.MakeCallRequest) (*sipbridge.CallRecord, error)
	Hangup(sid string) error
	Transfer(sid, destination string) error
}

// Server serves the control REST API.
type Server struct {
	addr       string
	bridge     Controller
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer creates the API server.
func NewServer(addr string, bridge Controller, log *slog.Logger) *Server {
	s := &Server{addr: addr, bridge: bridge, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/calls", s.handleCalls)
	mux.HandleFunc("/api/calls/", s.handleCallByID)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins listening in the background.
func (s *Server) Start() error {
	s.log.Info("starting control API", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("control API server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.bridge.Config()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"sip_registered":       s.bridge.Registered(),
		"sip_account":          s.bridge.Account(),
		"ws_target":            cfg.WSTarget,
		"active_calls":         s.bridge.Store().ActiveCount(),
		"max_concurrent_calls": cfg.MaxConcurrentCalls,
		"audio": map[string]any{
			"codec":      media.CodecPCMU.Name,
			"clock_rate": media.CodecPCMU.SampleRate,
			"frame_ms":   int(media.CodecPCMU.SampleDur.Milliseconds()),
		},
	})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records := s.bridge.Store().List()
		infos := make([]sipbridge.CallInfo, 0, len(records))
		for _, rec := range records {
			infos = append(infos, rec.Info())
		}
		s.writeJSON(w, http.StatusOK, infos)

	case http.MethodPost:
		var req sipbridge.MakeCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		record, err := s.bridge.MakeCall(req)
		if err != nil {
			if errors.Is(err, sipbridge.ErrTooManyCalls) {
				http.Error(w, err.Error(), http.StatusTooManyRequests)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeJSON(w, http.StatusCreated, record.Info())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCallByID routes /api/calls/{sid} and /api/calls/{sid}/transfer.
func (s *Server) handleCallByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/calls/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleCall(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "transfer":
		s.handleTransfer(w, r, parts[0])
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, sid string) {
	switch r.Method {
	case http.MethodGet:
		record, ok := s.bridge.Store().Get(sid)
		if !ok {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, record.Info())

	case http.MethodDelete:
		if err := s.bridge.Hangup(sid); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status": "cancelled",
			"sid":    sid,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, sid string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Destination string `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Destination == "" {
		http.Error(w, "destination required", http.StatusBadRequest)
		return
	}

	err := s.bridge.Transfer(sid, req.Destination)
	switch {
	case errors.Is(err, sipbridge.ErrCallNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, sipbridge.ErrCallNotActive):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status":      "transferred",
			"sid":         sid,
			"destination": req.Destination,
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON", "error", err)
	}
}
