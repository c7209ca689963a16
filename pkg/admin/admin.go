// Package admin is the minimal bearer-token-guarded status surface
// SPEC_FULL.md carries over despite spec.md's Non-goal excluding a full
// HTTP admin API (§1): a liveness probe, a JSON snapshot, and a websocket
// stream of the same snapshot. Grounded on the teacher's plain net/http
// style (no router/framework import anywhere in the pack's core) plus
// gorilla/websocket, a teacher dependency nothing else in the tree used.
package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/omega/pkg/channel/whatsapp"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/types"
)

// Status is one point-in-time snapshot of gateway health, pushed to both
// GET /metrics and the /ws stream.
type Status struct {
	UptimeSeconds   float64  `json:"uptime_seconds"`
	ActiveDispatch  int      `json:"active_dispatch_keys"`
	QueuedDispatch  int      `json:"queued_dispatch_messages"`
	McpServers      []string `json:"mcp_servers"`
	TokensTrackedBy string   `json:"tokens_tracked_by,omitempty"`
}

// StatusFunc produces a fresh Status on demand.
type StatusFunc func() Status

// Server is the admin HTTP surface. Zero value is not usable; build one
// with New.
type Server struct {
	Token    string
	Snapshot StatusFunc

	// WhatsApp, if set, wires the Cloud API's webhook routes onto this
	// server. Unlike /metrics and /ws these are NOT bearer-gated: Meta's
	// webhook delivery authenticates via the verify-token handshake
	// (VerifyChallenge), not an Authorization header.
	WhatsApp    *whatsapp.Channel
	WhatsAppOut chan<- types.IncomingMessage

	start    time.Time
	upgrader websocket.Upgrader
}

func New(token string, snapshot StatusFunc) *Server {
	return &Server{
		Token:    token,
		Snapshot: snapshot,
		start:    time.Now(),
		upgrader: websocket.Upgrader{
			// Admin surface is bearer-token gated, not browser-facing;
			// any origin is fine since the token is the actual boundary.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the admin mux: /healthz is unauthenticated (liveness
// only, no state), /metrics and /ws require the bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.auth(s.handleMetrics))
	mux.HandleFunc("/ws", s.auth(s.handleWS))
	if s.WhatsApp != nil {
		mux.HandleFunc("/webhooks/whatsapp", s.handleWhatsAppWebhook)
	}
	return mux
}

func (s *Server) handleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		challenge, ok := s.WhatsApp.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
		if !ok {
			http.Error(w, "verification failed", http.StatusForbidden)
			return
		}
		w.Write([]byte(challenge))
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if err := s.WhatsApp.HandleWebhook(body, s.WhatsAppOut); err != nil {
			logger.WarnCF("admin", "whatsapp webhook error", map[string]interface{}{"error": err.Error()})
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.Token == "" || got != s.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) snapshot() Status {
	st := s.Snapshot()
	st.UptimeSeconds = time.Since(s.start).Seconds()
	return st
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

// handleWS pushes a Status snapshot every 5 seconds until the client
// disconnects or the request context is cancelled.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("admin", "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	// Drain client pings/closes on their own goroutine so a dead peer is
	// detected without blocking the write loop below.
	var once sync.Once
	closed := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				once.Do(func() { close(closed) })
				return
			}
		}
	}()

	for {
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
