// Package api exposes the chat service over HTTP. Blocking chat turns
// return a single JSON document; streaming turns return NDJSON, one
// event per line, flushed as they arrive.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/supportflow/supportflow/internal/chatsvc"
	"github.com/supportflow/supportflow/pkg/chat"
	"github.com/supportflow/supportflow/pkg/security"
)

// maxBodyBytes caps request bodies. Chat messages are small; anything
// larger is misuse.
const maxBodyBytes = 1 << 20

// Server is the public HTTP front for the chat service.
type Server struct {
	svc        *chatsvc.Service
	limiter    *security.RateLimiter
	httpServer *http.Server
}

// NewServer creates an API server on the given port.
func NewServer(svc *chatsvc.Service, limiter *security.RateLimiter, port int) *Server {
	s := &Server{
		svc:     svc,
		limiter: limiter,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.withRateLimit(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	log.Printf("api: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientID(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID keys per-client rate limits: the user id when the request
// carries one, otherwise the remote address.
func clientID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type createSessionRequest struct {
	UserID   string         `json:"userId"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.svc.CreateSession(r.Context(), req.UserID, req.Metadata)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	opts := chat.ListOptions{
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	msgs, err := s.svc.History(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatsvc.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.svc.SendChat(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream writes NDJSON. Validation and lookup failures still
// return a JSON error with a proper status; once streaming has begun
// failures travel in-band as error events.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatsvc.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	events, err := s.svc.SendChatStream(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			log.Printf("api: stream write failed: %v", err)
			return
		}
		flusher.Flush()
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps the error taxonomy to HTTP statuses. Internal
// detail stays in logs; clients get the user-safe string.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case chat.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, chat.ErrOrchestratorUnavailable):
		writeError(w, http.StatusServiceUnavailable, chat.UserSafeMessage)
	default:
		log.Printf("api: request failed: %v", err)
		writeError(w, http.StatusInternalServerError, chat.UserSafeMessage)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: response write failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
