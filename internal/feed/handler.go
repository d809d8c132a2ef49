package feed

import (
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/markb/livesync/internal/log"
)

// API key roles
const (
	RoleAnon    = "anon"
	RoleService = "service_role"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

// HandleWebSocket handles WebSocket upgrade requests
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	role, ok := s.Authorize(apiKey(r))
	if !ok {
		log.Debug("feed: invalid API key", "remote", r.RemoteAddr)
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("feed: upgrade failed", "error", err.Error())
		return
	}

	conn := s.hub.NewConn(ws, role)
	log.Debug("feed: new connection", "conn_id", conn.ID(), "role", role)

	go conn.WritePump()
	go conn.ReadPump()
}

// HandleChanges appends the posted change and returns the stored event.
// Only the service role may write.
func (s *Service) HandleChanges(w http.ResponseWriter, r *http.Request) {
	if role, ok := s.Authorize(apiKey(r)); !ok || role != RoleService {
		writeError(w, http.StatusUnauthorized, "unauthorized", "service key required")
		return
	}

	var c Change
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := c.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_change", err.Error())
		return
	}

	ev, err := s.hub.Append(r.Context(), c)
	if err != nil {
		log.Error("feed: append failed", "resource", c.Resource, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "append_failed", "failed to append change")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ev)
}

// Authorize checks an API key and returns its role. Keys are either the
// configured anon/service keys or JWTs signed with the feed secret whose
// role claim is anon or service_role.
func (s *Service) Authorize(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	if s.cfg.ServiceKey != "" && key == s.cfg.ServiceKey {
		return RoleService, true
	}
	if s.cfg.AnonKey != "" && key == s.cfg.AnonKey {
		return RoleAnon, true
	}
	if s.cfg.JWTSecret == "" {
		return "", false
	}

	token, err := jwt.Parse(key, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", false
	}

	role, _ := claims["role"].(string)
	if role == RoleAnon || role == RoleService {
		return role, true
	}
	return "", false
}

// apiKey reads the key from the query string, the apikey header or a
// bearer token, in that order.
func apiKey(r *http.Request) string {
	if key := r.URL.Query().Get("apikey"); key != "" {
		return key
	}
	if key := r.Header.Get("apikey"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message})
}
