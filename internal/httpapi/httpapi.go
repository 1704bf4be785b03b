// Package httpapi exposes the ledger over JSON/HTTP.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/justinas/alice"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/log"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 20

var (
	errRouteNotFound    = errors.New("route not found")
	errMethodNotAllowed = errors.New("method not allowed")
	errMissingBearer    = errors.New("missing bearer token")
	errForbiddenRole    = errors.New("forbidden role")
	errTooManyAttempts  = errors.New("too many attempts, try again later")
	errManagerApproval  = errors.New("manager approval required")
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	metrics       *metrics.Recorder
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

type Options struct {
	AllowedOrigin string
	Metrics       *metrics.Recorder
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &API{
		service:       svc,
		auth:          auth,
		metrics:       opts.Metrics,
		allowedOrigin: opts.AllowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	staff := a.requireAuth(domain.RoleCashier, domain.RoleAdmin)
	admin := a.requireAuth(domain.RoleAdmin)

	routes := [][]Route{
		{
			{Path: "/healthz", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleHealth)},
			{Path: "/metrics", Method: http.MethodGet, Handler: a.metrics.Handler()},
			{Path: "/api/auth/login", Method: http.MethodPost, Handler: http.HandlerFunc(a.handleLogin)},
		},
		a.productRoutes(staff, admin),
		a.saleRoutes(staff, admin),
		a.statsRoutes(staff),
		{
			{Path: "/api/users/cashiers", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleListCashiers), Middlewares: []alice.Constructor{admin}},
			{Path: "/api/users/cashiers", Method: http.MethodPost, Handler: http.HandlerFunc(a.handleCreateCashier), Middlewares: []alice.Constructor{admin}},
		},
	}
	for _, group := range routes {
		for i := range group {
			group[i].Middlewares = append([]alice.Constructor{a.observe(group[i].Method, group[i].Path)}, group[i].Middlewares...)
		}
	}

	return alice.New(
		recoverPanic,
		logRequests,
		a.securityHeaders,
		limitBody,
	).Then(newRouter(routes...))
}

func (a *API) requireAuth(roles ...string) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, r, http.StatusUnauthorized, errMissingBearer)
				return
			}

			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, err)
				return
			}
			if !isRoleAllowed(actor.Role, roles) {
				writeError(w, r, http.StatusForbidden, errForbiddenRole)
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := a.service.Health(r.Context())
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, r, http.StatusTooManyRequests, errTooManyAttempts)
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	cashiers, err := a.auth.ListCashiers(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": cashiers})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}

type attemptLimiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	entries   map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time), now: time.Now}
}

// Allow records an attempt for key and reports whether it is within the
// sliding window budget.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	kept := recentAttempts(l.entries[key], cutoff)
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

// sweep drops keys with no attempts inside the window.
func (l *attemptLimiter) sweep(cutoff time.Time) {
	for key, history := range l.entries {
		if len(recentAttempts(history, cutoff)) == 0 {
			delete(l.entries, key)
		}
	}
}

func recentAttempts(history []time.Time, cutoff time.Time) []time.Time {
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps a ledger or auth error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "VALIDATION"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict, "INSUFFICIENT_STOCK"
	case errors.Is(err, store.ErrAlreadyRefunded):
		return http.StatusConflict, "ALREADY_REFUNDED"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInactiveAccount), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "VALIDATION"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "INTERNAL"
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	writeErrorCode(w, r, status, code, err)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeErrorCode(w, r, status, codeForStatus(status), err)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.ForContext(r.Context()).WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON rejects unknown fields and oversized bodies as validation errors.
func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}
