// Package apitest provides an in-memory marketplace API for tests.
package apitest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// Server is a fake marketplace API. Requests must carry Bearer <Token>;
// anything else gets a 401 envelope.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	token    string
	user     map[string]any
	chats    map[string]string // "listing|buyer|seller" -> chat id
	sent     map[string][]json.RawMessage
	reads    []string
	sends    map[string]int
	failures map[string][]int // route -> queued statuses
	uploads  int
}

// New starts a server that accepts token.
func New(token string) *Server {
	s := &Server{
		token:    token,
		user:     map[string]any{"id": "u1", "googleId": "g1", "email": "u1@example.com", "name": "User One"},
		chats:    make(map[string]string),
		sent:     make(map[string][]json.RawMessage),
		sends:    make(map[string]int),
		failures: make(map[string][]int),
	}

	r := chi.NewRouter()
	r.Use(s.count)
	r.Use(s.failInjected)
	r.Use(s.authenticate)
	r.Get("/user", s.getUser)
	r.Post("/image", s.postImage)
	r.Get("/chat", s.getChat)
	r.Post("/chat/{chatID}/message", s.postMessage)
	r.Post("/chat/{chatID}/message/{messageID}", s.postRead)
	r.Get("/status/{code}", s.getStatus)

	s.Server = httptest.NewServer(r)
	return s
}

// SetToken changes the accepted bearer token.
func (s *Server) SetToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
}

// SetChat registers an existing conversation.
func (s *Server) SetChat(listing, buyer, seller, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[listing+"|"+buyer+"|"+seller] = chatID
}

// FailNext makes the next requests to route answer with the given statuses
// in order. route is "METHOD /path" with the concrete path.
func (s *Server) FailNext(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

// Sends reports how many requests reached route.
func (s *Server) Sends(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends[route]
}

// Sent returns the message bodies posted to a conversation.
func (s *Server) Sent(chatID string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.sent[chatID]...)
}

// Reads returns "chat/message" pairs marked read, in arrival order.
func (s *Server) Reads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reads...)
}

// Uploads returns the number of accepted image uploads.
func (s *Server) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.sends[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) failInjected(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		s.mu.Lock()
		var code int
		if q := s.failures[route]; len(q) > 0 {
			code, s.failures[route] = q[0], q[1:]
		}
		s.mu.Unlock()
		if code != 0 {
			writeError(w, code, http.StatusText(code))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := s.token
		s.mu.Unlock()
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || got != want {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getUser(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{"user": s.user})
}

func (s *Server) postImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
		writeError(w, http.StatusBadRequest, "image required")
		return
	}
	s.mu.Lock()
	s.uploads++
	n := s.uploads
	s.mu.Unlock()
	writeJSON(w, map[string]string{"url": "https://cdn.example.com/img/" + strconv.Itoa(n)})
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	id, ok := s.chats[q.Get("listingId")+"|"+q.Get("buyerId")+"|"+q.Get("sellerId")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, map[string]string{"chatId": id})
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	id := chi.URLParam(r, "chatID")
	s.sent[id] = append(s.sent[id], body)
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) postRead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.reads = append(s.reads, chi.URLParam(r, "chatID")+"/"+chi.URLParam(r, "messageID"))
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"ok": true})
}

// getStatus answers with the status in the path and a plain-text body, for
// exercising responses without an error envelope.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil {
		code = http.StatusBadRequest
	}
	w.WriteHeader(code)
	_, _ = io.WriteString(w, "plain failure")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "httpCode": code})
}
