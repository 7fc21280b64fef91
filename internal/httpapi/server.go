// Package httpapi implements the local HTTP+SSE management API (§6):
// key/app/request administration, activity and runtime log retrieval, a
// live event stream, and dead-man-switch control. Grounded on the
// teacher's internal/server/server.go (chi router, graceful Start/Shutdown,
// request logging middleware) and internal/server/admin.go (HTTP Basic
// Auth gate for the whole admin surface), with the SSE handler modeled on
// vcavallo-nostr-hypermedia's flusher/ping/context-cancellation pattern —
// the only text/event-stream implementation anywhere in the reference set.
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/mroxso/signet/internal/acl"
	"github.com/mroxso/signet/internal/audit"
	"github.com/mroxso/signet/internal/config"
	"github.com/mroxso/signet/internal/connect"
	"github.com/mroxso/signet/internal/deadman"
	"github.com/mroxso/signet/internal/eventbus"
	"github.com/mroxso/signet/internal/keystore"
	"github.com/mroxso/signet/internal/queue"
	"github.com/mroxso/signet/internal/relay"
	"github.com/mroxso/signet/internal/store"
)

// Server is the local management HTTP+SSE API.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	keystore *keystore.KeyStore
	acl      *acl.Engine
	queue    *queue.Queue
	connect  *connect.Service
	deadman  *deadman.Service
	pool     *relay.Pool
	subMgr   *relay.SubscriptionManager
	bus      *eventbus.Bus
	audit    *audit.RingBuffer

	router    *chi.Mux
	startedAt time.Time

	csrfMu     sync.Mutex
	csrfTokens map[string]time.Time

	rateMu   sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Server and builds its router.
func New(cfg *config.Config, st *store.Store, ks *keystore.KeyStore, aclEngine *acl.Engine, q *queue.Queue, connectSvc *connect.Service, deadmanSvc *deadman.Service, pool *relay.Pool, subMgr *relay.SubscriptionManager, bus *eventbus.Bus, ringBuf *audit.RingBuffer) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		keystore:   ks,
		acl:        aclEngine,
		queue:      q,
		connect:    connectSvc,
		deadman:    deadmanSvc,
		pool:       pool,
		subMgr:     subMgr,
		bus:        bus,
		audit:      ringBuf,
		startedAt:  time.Now(),
		csrfTokens: make(map[string]time.Time),
		limiters:   make(map[string]*rate.Limiter),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled, mirroring the
// teacher's Server.Start shutdown-goroutine shape.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         s.cfg.HTTPBind,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; no write deadline at the server level.
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting management http server", "addr", s.cfg.HTTPBind)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("management http server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("management http server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.adminAuth)

	r.Get("/csrf-token", s.handleCSRFToken)

	r.Get("/keys", s.handleListKeys)
	r.Post("/keys", s.withMutationGuards(s.handleCreateKey))
	r.Patch("/keys/{name}", s.withMutationGuards(s.handleRenameKey))
	r.Delete("/keys/{name}", s.withMutationGuards(s.handleDeleteKey))
	r.Post("/keys/lock-all", s.withMutationGuards(s.handleLockAllKeys))
	r.Post("/keys/{name}/unlock", s.withMutationGuards(s.handleUnlockKey))
	r.Post("/keys/{name}/lock", s.withMutationGuards(s.handleLockKey))
	r.Post("/keys/{name}/set-passphrase", s.withMutationGuards(s.handleSetPassphrase))
	r.Post("/keys/{name}/encrypt", s.withMutationGuards(s.handleSetPassphrase))
	r.Post("/keys/{name}/migrate", s.withMutationGuards(s.handleMigrateKey))
	r.Post("/keys/{name}/export", s.withMutationGuards(s.handleExportKey))
	r.Post("/keys/{name}/connection-token", s.withMutationGuards(s.handleMintConnectionToken))

	r.Post("/connections/nostrconnect", s.withMutationGuards(s.handleApproveNostrConnect))

	r.Get("/apps", s.handleListApps)
	r.Patch("/apps/{id}", s.withMutationGuards(s.handleUpdateApp))
	r.Post("/apps/{id}/revoke", s.withMutationGuards(s.handleRevokeApp))
	r.Post("/apps/{id}/suspend", s.withMutationGuards(s.handleSuspendApp))
	r.Post("/apps/{id}/unsuspend", s.withMutationGuards(s.handleUnsuspendApp))
	r.Post("/apps/suspend-all", s.withMutationGuards(s.handleSuspendAllApps))
	r.Post("/apps/resume-all", s.withMutationGuards(s.handleResumeAllApps))

	r.Get("/requests", s.handleListRequests)
	r.Post("/requests/batch", s.withMutationGuards(s.handleBatchApprove))
	r.Post("/requests/{id}", s.withMutationGuards(s.handleApproveRequest))
	r.Delete("/requests/{id}", s.withMutationGuards(s.handleDenyRequest))

	r.Get("/logs", s.handleGetLogs)
	r.Get("/events", s.handleEvents)

	r.Get("/dead-man-switch", s.handleGetDeadManSwitch)
	r.Put("/dead-man-switch", s.withMutationGuards(s.handleSetDeadManSwitch))
	r.Post("/dead-man-switch/reset", s.withMutationGuards(s.handleResetDeadManSwitch))
	r.Post("/dead-man-switch/test-panic", s.withMutationGuards(s.handleTestPanic))

	return r
}

// ─── Middleware ────────────────────────────────────────────────────────────

// adminAuth enforces HTTP Basic Auth using SIGNET_ADMIN_PASSWORD, matching
// the teacher's adminAuth gate. Username is ignored.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.AdminPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="signet"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withMutationGuards wraps a key-altering handler with CSRF token
// verification and a per-client rate limit, the two protections §6
// requires in addition to Basic Auth for routes that mutate state.
func (s *Server) withMutationGuards(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allowRate(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if !s.checkCSRF(r) {
			writeError(w, http.StatusForbidden, "invalid csrf token")
			return
		}
		h(w, r)
	}
}

// allowRate enforces cfg.HTTPRateLimit/HTTPRateBurst per remote address,
// the same token-bucket shape relay.Pool uses for outbound publishes.
func (s *Server) allowRate(remoteAddr string) bool {
	s.rateMu.Lock()
	lim, ok := s.limiters[remoteAddr]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.HTTPRateLimit), s.cfg.HTTPRateBurst)
		s.limiters[remoteAddr] = lim
	}
	s.rateMu.Unlock()
	return lim.Allow()
}

// CSRF tokens are minted by GET /csrf-token, kept server-side for
// csrfTokenTTL, and must come back as an X-CSRF-Token header on every
// mutating request. No cookie is set or read; csrfCookieName is unused.
// Neither the teacher nor any pack repo implements CSRF protection, so this
// is a deliberate, justified use of only crypto/rand and net/http.
const csrfCookieName = "signet_csrf"
const csrfTokenTTL = 24 * time.Hour

func (s *Server) issueCSRFToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	token := hex.EncodeToString(b)
	s.csrfMu.Lock()
	s.csrfTokens[token] = time.Now().Add(csrfTokenTTL)
	s.csrfMu.Unlock()
	return token
}

func (s *Server) checkCSRF(r *http.Request) bool {
	header := r.Header.Get("X-CSRF-Token")
	if header == "" {
		return false
	}
	s.csrfMu.Lock()
	defer s.csrfMu.Unlock()
	expiresAt, ok := s.csrfTokens[header]
	if !ok || time.Now().After(expiresAt) {
		delete(s.csrfTokens, header)
		return false
	}
	return true
}

// handleCSRFToken mints a fresh token for the admin UI to echo back as
// X-CSRF-Token on every mutating request.
func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"token": s.issueCSRFToken()})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", wrapped.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying ResponseWriter so the SSE handler
// (GET /events) can flush through this wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap allows http.ResponseController to reach the underlying
// ResponseWriter.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// ─── Shared response helpers ───────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
