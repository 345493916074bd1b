// Package signaling runs the Browser Peer sink's HTTP signaling
// endpoint: `GET /offer` returns a server-generated SDP offer,
// `POST /answer` accepts the browser's SDP answer, and `GET /status`
// returns a snapshot, per spec §4.6/§6. Status pushes ride
// internal/websocket's server-role broadcaster.
package signaling

import (
	"embed"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/ghostkellz/nitrogen/internal/controller"
	"github.com/ghostkellz/nitrogen/internal/logging"
	"github.com/ghostkellz/nitrogen/internal/sinks/browserpeer"
	"github.com/ghostkellz/nitrogen/internal/websocket"
)

var log = logging.L("signaling")

const browserPeerSinkID = "browserpeer"

//go:embed viewer.html
var viewerHTML embed.FS

// Config configures the signaling server.
type Config struct {
	Addr       string // host:port, e.g. ":9000"
	ICEServers []string
}

type offerResponse struct {
	SDP string `json:"sdp"`
}

type answerRequest struct {
	SDP string `json:"sdp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the Browser Peer sink's /offer, /answer, and /status
// endpoints.
type Server struct {
	cfg  Config
	ctrl *controller.Controller
	ln   net.Listener
	http *http.Server
	push *websocket.StatusPusher

	mu   sync.Mutex
	peer *browserpeer.Sink
}

// New builds a signaling server bound to ctrl.
func New(cfg Config, ctrl *controller.Controller) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":9000"
	}
	return &Server{cfg: cfg, ctrl: ctrl, push: websocket.NewStatusPusher(ctrl)}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleViewer)
	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/answer", s.handleAnswer)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/ws", s.push.HandleWS)

	s.http = &http.Server{Handler: mux}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("signaling server stopped", "error", err)
		}
	}()
	log.Info("signaling server listening", "addr", ln.Addr().String())
	return nil
}

// Close shuts down the HTTP server, the status pusher, and any active
// browser-peer session.
func (s *Server) Close() error {
	s.push.Close()
	s.mu.Lock()
	if s.peer != nil {
		s.peer.Stop()
		s.ctrl.UnsubscribeSink(browserPeerSinkID)
		s.peer = nil
	}
	s.mu.Unlock()
	if s.http != nil {
		return s.http.Close()
	}
	return nil
}

// handleOffer creates a new browser-peer session and returns the SDP
// offer the browser must answer, per spec §4.6/§6's `GET /offer`.
// Returns 409 if a session is already active or awaiting its answer,
// per spec's "exactly one concurrent peer session".
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	iceConfig := make([]webrtc.ICEServer, 0, len(s.cfg.ICEServers))
	for _, urlStr := range s.cfg.ICEServers {
		iceConfig = append(iceConfig, webrtc.ICEServer{URLs: []string{urlStr}})
	}

	s.mu.Lock()
	if s.peer != nil && s.peer.Active() {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, errorResponse{Error: "a browser peer session is already active"})
		return
	}
	peer := browserpeer.New()
	s.peer = peer
	s.mu.Unlock()

	keyframer := s.ctrl.VideoKeyframeRequester()
	offer, err := peer.CreateOffer(iceConfig, keyframer)
	if err != nil {
		s.mu.Lock()
		s.peer = nil
		s.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, offerResponse{SDP: offer})
}

// handleAnswer accepts the browser's SDP answer to the offer most
// recently returned by GET /offer, per spec §4.6/§6's `POST /answer`,
// and subscribes the now-negotiated peer onto the Controller's fan-out
// hub. Returns 404 if no offer is currently pending.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.SDP == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sdp is required"})
		return
	}

	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no offer is pending"})
		return
	}

	if err := peer.AcceptAnswer(req.SDP); err != nil {
		s.mu.Lock()
		if s.peer == peer {
			s.peer = nil
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	if err := s.ctrl.SubscribeSink(browserPeerSinkID, peer); err != nil {
		peer.Stop()
		s.mu.Lock()
		if s.peer == peer {
			s.peer = nil
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleViewer serves the embedded viewer page at GET /, the browser
// side of the /offer exchange.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	b, err := viewerHTML.ReadFile("viewer.html")
	if err != nil {
		http.Error(w, "viewer unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
