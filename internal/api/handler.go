package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pagewatch/pagewatch/internal/config"
	"github.com/pagewatch/pagewatch/internal/geo"
	"github.com/pagewatch/pagewatch/internal/hub"
	"github.com/pagewatch/pagewatch/internal/metrics"
	"github.com/pagewatch/pagewatch/internal/session"
	"github.com/pagewatch/pagewatch/internal/store"
	"github.com/pagewatch/pagewatch/internal/visit"
)

// sessionCookie carries the admin session token.
const sessionCookie = "pw_session"

const defaultSearchLimit = 100

// maxTrackBodyBytes bounds a beacon payload so no single submission can
// produce an oversize store record.
const maxTrackBodyBytes = 16 * 1024

// Handler holds all HTTP handler dependencies.
type Handler struct {
	store    *store.Log
	geo      *geo.Resolver // nil when enrichment is disabled
	hub      *hub.Hub
	sessions *session.Manager
	loader   *config.Loader
	limiter  *rateLimiter
	mux      *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(st *store.Log, resolver *geo.Resolver, h *hub.Hub, sessions *session.Manager, loader *config.Loader) http.Handler {
	hd := &Handler{
		store:    st,
		geo:      resolver,
		hub:      h,
		sessions: sessions,
		loader:   loader,
		limiter:  newRateLimiter(),
		mux:      http.NewServeMux(),
	}

	hd.mux.HandleFunc("POST /track", hd.track)
	hd.mux.HandleFunc("POST /login", hd.login)
	hd.mux.HandleFunc("POST /logout", hd.logout)
	hd.mux.HandleFunc("GET /api/session", hd.sessionInfo)
	hd.mux.HandleFunc("GET /api/search", hd.search)
	hd.mux.HandleFunc("GET /api/hits", hd.hits)
	hd.mux.HandleFunc("GET /ws", hd.ws)
	hd.mux.HandleFunc("GET /healthz", hd.healthz)
	hd.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(hd.mux)
}

// trackBody is the beacon payload. Every field is optional; malformed
// bodies degrade to empty fields rather than rejecting the submission.
type trackBody struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	Ref  string `json:"ref"`
	UA   string `json:"ua"`
}

// POST /track — one beacon submission: derive IP, enrich, persist, publish.
func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	cfg := h.loader.Config()
	clientIP := visit.ClientIP(r.Header.Get("X-Forwarded-For"), r.RemoteAddr)

	span := time.Duration(cfg.RateLimit.WindowSec) * time.Second
	if !h.limiter.allow(clientIP, cfg.RateLimit.Max, span) {
		metrics.VisitsRateLimited.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var body trackBody
	r.Body = http.MaxBytesReader(w, r.Body, maxTrackBodyBytes)
	_ = json.NewDecoder(r.Body).Decode(&body) // tolerate malformed or oversize payloads

	path := body.Path
	if path == "" {
		path = body.URL
	}
	referer := body.Ref
	if referer == "" {
		referer = r.Referer()
	}
	ua := body.UA
	if ua == "" {
		ua = r.UserAgent()
	}

	ip := clientIP
	var g *visit.Geo
	if cfg.Anonymize {
		// Raw IP must never reach the store or the realtime channel.
		ip = visit.AnonymizedIP
	} else if cfg.Geo.Enabled {
		g = h.geo.Resolve(r.Context(), ip)
	}

	// The store stamps the arrival timestamp under its append lock so
	// timestamps stay non-decreasing in append order.
	rec := &visit.Record{
		ID:        uuid.New().String(),
		IP:        ip,
		UserAgent: ua,
		Path:      path,
		Referer:   referer,
		Geo:       g,
	}

	if err := h.store.Append(rec); err != nil {
		metrics.StoreErrors.Inc()
		slog.Error("append visit", "err", err)
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}
	metrics.VisitsIngested.Inc()

	// Fire-and-forget: a slow or stopped hub never fails ingestion.
	h.hub.Publish(rec)

	writeOK(w)
}

// POST /login — password check, session cookie, redirect to the console.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	password := r.PostFormValue("password")
	if password == "" {
		var body struct {
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		password = body.Password
	}

	token, err := h.sessions.Login(password)
	if err != nil {
		metrics.AuthFailures.Inc()
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	cfg := h.loader.Config()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   cfg.Session.TTLHours * 3600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// POST /logout — destroy the session and clear the cookie.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	token := h.sessionToken(r)
	if !h.sessions.Validate(token) {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	h.sessions.Logout(token)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// GET /api/session — auth state for the console, no auth required.
func (h *Handler) sessionInfo(w http.ResponseWriter, r *http.Request) {
	cfg := h.loader.Config()
	writeJSON(w, http.StatusOK, map[string]bool{
		"authed":    h.sessions.Validate(h.sessionToken(r)),
		"anonymize": cfg.Anonymize,
	})
}

// GET /api/search — filtered, paginated rows behind the session gate.
func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), defaultSearchLimit)
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > store.MaxLimit {
		limit = store.MaxLimit
	}
	offset := queryInt(q.Get("offset"), 0)

	rows := h.queryRows(q.Get("q"), limit, offset)
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

// GET /api/hits — legacy unfiltered view, newest 100.
func (h *Handler) hits(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.queryRows("", defaultSearchLimit, 0))
}

// GET /ws — realtime channel. The connection is admitted to the admin
// group only after the hub validates the session token from the handshake.
func (h *Handler) ws(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r, h.sessionToken(r))
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryRows reads from the store, degrading read failures to an empty
// result set.
func (h *Handler) queryRows(term string, limit, offset int) []*visit.Record {
	rows, err := h.store.Query(term, limit, offset)
	if err != nil {
		slog.Error("query visits", "term", term, "err", err)
	}
	if rows == nil {
		rows = []*visit.Record{}
	}
	return rows
}

func (h *Handler) sessionToken(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request) bool {
	if h.sessions.Validate(h.sessionToken(r)) {
		return true
	}
	metrics.AuthFailures.Inc()
	writeError(w, http.StatusUnauthorized, "session required")
	return false
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
