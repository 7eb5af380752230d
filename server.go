package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"
)

type server struct {
	cfg      *Config
	router   *mux.Router
	store    ContactStore
	sessions *SessionManager
	limiter  *RateLimiter
	queue    *SendQueue
	syncer   *ContactSynchronizer
	notifier *EventNotifier
	archive  *MediaArchive
}

func newServer(cfg *Config, store ContactStore, sessions *SessionManager, limiter *RateLimiter,
	queue *SendQueue, syncer *ContactSynchronizer, notifier *EventNotifier, archive *MediaArchive) *server {
	s := &server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		store:    store,
		sessions: sessions,
		limiter:  limiter,
		queue:    queue,
		syncer:   syncer,
		notifier: notifier,
		archive:  archive,
	}
	s.routes()
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *server) routes() {
	c := alice.New(s.logRequest, s.authenticate)

	s.router.Handle("/sessions/{sessionId}", c.Then(s.ConnectSession())).Methods("POST")
	s.router.Handle("/sessions/{sessionId}", c.Then(s.SessionStatus())).Methods("GET")
	s.router.Handle("/sessions/{sessionId}", c.Then(s.DisconnectSession())).Methods("DELETE")
	s.router.Handle("/sessions/{sessionId}/qr", c.Then(s.SessionQR())).Methods("GET")
	s.router.Handle("/sessions/{sessionId}/reset", c.Then(s.ResetSession())).Methods("POST")

	s.router.Handle("/sessions/{sessionId}/messages", c.Then(s.SendMessage())).Methods("POST")
	s.router.Handle("/sessions/{sessionId}/messages/bulk", c.Then(s.SendBulk())).Methods("POST")
	s.router.Handle("/sessions/{sessionId}/ratelimit", c.Then(s.RateLimitStatus())).Methods("GET")

	s.router.Handle("/sessions/{sessionId}/contacts", c.Then(s.ListContacts())).Methods("GET")
	s.router.Handle("/sessions/{sessionId}/contacts/sync", c.Then(s.StartContactSync())).Methods("POST")
	s.router.Handle("/sessions/{sessionId}/contacts/sync", c.Then(s.ActiveSyncs())).Methods("GET")
	s.router.Handle("/sessions/{sessionId}/contacts/sync", c.Then(s.CancelContactSync())).Methods("DELETE")
	s.router.Handle("/sessions/{sessionId}/contacts/sync/{jobId}", c.Then(s.SyncProgress())).Methods("GET")

	s.router.Handle("/sessions/{sessionId}/webhook", c.Then(s.SetWebhook())).Methods("POST")
	s.router.Handle("/sessions/{sessionId}/webhook", c.Then(s.GetWebhook())).Methods("GET")
	s.router.Handle("/sessions/{sessionId}/webhook", c.Then(s.DeleteWebhook())).Methods("DELETE")

	s.router.Handle("/health", alice.New(s.logRequest).Then(s.Health())).Methods("GET")
}

// authenticate gates every tenant route behind the admin token. Auth is
// disabled when no token is configured.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" && r.Header.Get("token") != s.cfg.AdminToken {
			s.respondWithError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *server) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.respondWithJSON(w, statusCode, map[string]string{"error": message})
}
