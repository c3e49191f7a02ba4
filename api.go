package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/humlab-speech/approuter/broker"
	"github.com/humlab-speech/approuter/config"
	"github.com/humlab-speech/approuter/session"
)

const (
	apiTokenHeader   = "hs_api_access_token"
	maxAPIBodySize   = 1 * 1024 * 1024
	apiRatePerSecond = 5
	apiRateBurst     = 15
)

type apiServer struct {
	broker   *broker.Broker
	registry *session.Registry
	cfg      *config.Config

	// eventDrops reports dropped audit events; nil when no event store
	// is configured.
	eventDrops func() int64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAPIServer(b *broker.Broker, registry *session.Registry, cfg *config.Config, eventDrops func() int64) *apiServer {
	return &apiServer{
		broker:     b,
		registry:   registry,
		cfg:        cfg,
		eventDrops: eventDrops,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (s *apiServer) register(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimit, s.authenticate)

	api.HandleFunc("/sessions/{userId}", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/session/user", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/session/{accessCode}/commit", s.handleCommit).Methods(http.MethodGet)
	api.HandleFunc("/session/{accessCode}/delete", s.handleDelete).Methods(http.MethodGet)
	api.HandleFunc("/session/{accessCode}/run", s.handleRun).Methods(http.MethodPost)
}

func (s *apiServer) limiterFor(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(apiRatePerSecond), apiRateBurst)
		s.limiters[ip] = l
	}
	return l
}

func (s *apiServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.limiterFor(ip).Allow() {
			writeAPIError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *apiServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(apiTokenHeader)
		if token == "" || !s.tokenValid(token) {
			writeAPIError(w, http.StatusUnauthorized, "invalid api access token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *apiServer) tokenValid(token string) bool {
	if s.cfg.APITokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.cfg.APITokenHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(s.cfg.APIToken), []byte(token)) == 1
}

func (s *apiServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if userID == "" {
		writeAPIError(w, http.StatusBadRequest, "missing user id")
		return
	}
	writeJSON(w, http.StatusOK, s.broker.ListForUser(userID))
}

type createSessionRequest struct {
	User    session.User    `json:"user"`
	Project session.Project `json:"project"`
	AppKind string          `json:"appKind"`
}

func (s *apiServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	body := http.MaxBytesReader(w, r.Body, maxAPIBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.User.ID == "" || req.Project.ID == "" {
		writeAPIError(w, http.StatusBadRequest, "user id and project id are required")
		return
	}
	appKind := req.AppKind
	if appKind == "" {
		appKind = s.cfg.DefaultAppKind
	}
	if _, ok := s.cfg.Apps[appKind]; !ok {
		writeAPIError(w, http.StatusBadRequest, "unknown app kind "+appKind)
		return
	}

	sess, created, err := s.broker.GetOrCreate(r.Context(), req.User, req.Project, appKind)
	if err != nil {
		log.Printf("[api] create session for user %s project %s: %v", req.User.ID, req.Project.ID, err)
		writeAPIError(w, http.StatusBadGateway, "session provisioning failed")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]string{"sessionAccessCode": sess.AccessCode})
}

func (s *apiServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["accessCode"]
	out, err := s.broker.Commit(r.Context(), code)
	if err != nil {
		s.writeBrokerError(w, code, "commit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": out, "level": "info"})
}

func (s *apiServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["accessCode"]
	if err := s.broker.Delete(r.Context(), code); err != nil {
		s.writeBrokerError(w, code, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": code})
}

type runRequest struct {
	Cmd []string `json:"cmd"`
}

func (s *apiServer) handleRun(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["accessCode"]
	var req runRequest
	body := http.MaxBytesReader(w, r.Body, maxAPIBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Cmd) == 0 {
		writeAPIError(w, http.StatusBadRequest, "cmd is required")
		return
	}
	out, err := s.broker.Run(r.Context(), code, req.Cmd)
	if err != nil {
		s.writeBrokerError(w, code, "run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": out, "level": "info"})
}

func (s *apiServer) writeBrokerError(w http.ResponseWriter, code, op string, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		writeAPIError(w, http.StatusNotFound, "no session with access code "+code)
	case errors.Is(err, session.ErrSessionNotReady):
		writeAPIError(w, http.StatusConflict, "session is still starting")
	case errors.Is(err, broker.ErrExternalOperation):
		log.Printf("[api] %s on session %s: %v", op, code, err)
		writeAPIError(w, http.StatusBadGateway, op+" failed in session container")
	default:
		log.Printf("[api] %s on session %s: %v", op, code, err)
		writeAPIError(w, http.StatusInternalServerError, op+" failed")
	}
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":     "ok",
		"sessions":   s.registry.Len(),
		"portsInUse": s.registry.PortsInUse(),
	}
	if s.eventDrops != nil {
		payload["eventDrops"] = s.eventDrops()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"msg": msg, "level": "error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !strings.Contains(err.Error(), "broken pipe") {
		log.Printf("[api] write response: %v", err)
	}
}
