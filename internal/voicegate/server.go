package voicegate

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/maitred/internal/agent"
	"github.com/sebas/maitred/internal/realtime"
)

// aiDialer opens the model-side session for one call. Overridable so
// tests can run calls without the real endpoint.
type aiDialer func(ctx context.Context) (agent.AISession, error)

// Server is the HTTP front of the voice server: provider webhook,
// media stream WebSocket, index page.
type Server struct {
	cfg    *Config
	engine *agent.Engine
	log    *slog.Logger

	upgrader websocket.Upgrader
	dialAI   aiDialer

	httpServer *http.Server
}

// NewServer wires the voice server.
func NewServer(cfg *Config, engine *agent.Engine, log *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		log:    log,
		// The provider is not a browser; no origin check.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.dialAI = func(ctx context.Context) (agent.AISession, error) {
		return realtime.Dial(ctx, cfg.RealtimeURL, cfg.OpenAIKey, log)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/incoming-call", s.handleIncomingCall)
	mux.HandleFunc("/media-stream", s.handleMediaStream)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context falls, then shuts down. Live calls get a
// short drain window; their sockets closing is what ends them.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<h1>Serveur vocal Maitred</h1><p>Le serveur tourne. Configurez le webhook Twilio vers /incoming-call</p>")
}

// TwiML voice response document.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Pause   *twimlPause   `xml:"Pause,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlPause struct {
	Length int `xml:"length,attr"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// handleIncomingCall is the provider webhook: it answers with a stream
// document pointing back at our own /media-stream, carrying the caller
// number, the restaurant id and the provider call SID as custom
// parameters. The SID is what lets the transfer backend update the
// provider leg later.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	// Works for both the POST form and the GET query variant.
	callerPhone := r.FormValue("From")
	callSid := r.FormValue("CallSid")

	doc := twimlResponse{
		Pause: &twimlPause{Length: 1},
		Connect: &twimlConnect{
			Stream: twimlStream{
				URL: fmt.Sprintf("wss://%s/media-stream", r.Host),
				Parameters: []twimlParam{
					{Name: "callerPhone", Value: callerPhone},
					{Name: "restaurantId", Value: s.cfg.RestaurantID},
					{Name: "callSid", Value: callSid},
				},
			},
		},
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		http.Error(w, "twiml generation failed", http.StatusInternalServerError)
		return
	}

	s.log.Info("incoming call webhook", "caller", callerPhone, "call_sid", callSid)
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))
	w.Write(body)
}

// handleMediaStream upgrades to the media stream socket and runs the
// call to completion. The handler blocks for the whole call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("media stream upgrade failed", "error", err)
		return
	}
	tele := newStreamConn(ws, s.log)

	ai, err := s.dialAI(r.Context())
	if err != nil {
		s.log.Error("realtime session dial failed", "error", err)
		tele.Close()
		return
	}

	s.log.Info("media stream connected", "remote", r.RemoteAddr)
	if err := s.engine.Run(r.Context(), tele, ai); err != nil {
		s.log.Error("call ended with error", "error", err)
		return
	}
	s.log.Info("call ended", "remote", r.RemoteAddr)
}
