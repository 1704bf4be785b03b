package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"posledger/backend/internal/log"
)

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.ForContext(r.Context()).WithFields(log.Fields{
					"panic": fmt.Sprint(rec),
					"stack": string(debug.Stack()),
					"path":  r.URL.Path,
				}).Error("panic while serving request")
				writeError(w, r, http.StatusInternalServerError, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// logRequests tags the request context with a correlation id taken from
// X-Request-ID, or generated, and logs one line per request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, correlationID := log.WithCorrelationID(r.Context(), r.Header.Get(requestIDHeader))
		r = r.WithContext(ctx)
		w.Header().Set(requestIDHeader, correlationID)

		rec := &statusRecorder{ResponseWriter: w}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)

		logger := log.ForContext(ctx).WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": rec.code(),
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"remote_addr": clientKey(r),
		})
		switch status := rec.code(); {
		case status >= http.StatusInternalServerError:
			logger.Error("request finished with error")
		case status >= http.StatusBadRequest:
			logger.Warn("request rejected")
		default:
			logger.Info("request finished")
		}
	})
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Access-Control-Allow-Origin", a.allowedOrigin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Manager-PIN, X-Request-ID")
		h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")
		h.Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// observe records request count and latency labelled by route pattern.
func (a *API) observe(method string, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			startedAt := time.Now()
			next.ServeHTTP(rec, r)
			a.metrics.ObserveHTTP(method, route, rec.code(), time.Since(startedAt).Seconds())
		})
	}
}
