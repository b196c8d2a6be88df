package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/liamcoop/predictions/internal/logger"
	"github.com/liamcoop/predictions/internal/metrics"
)

// requestID tags each request with a UUID, keeping a client-supplied X-Request-Id.
// The id is stored under chi's key so middleware.GetReqID works downstream.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog writes one structured line per request and feeds the HTTP metrics
func accessLog(slow time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				elapsed := time.Since(start)
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				route := ""
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					route = rctx.RoutePattern()
				}
				metrics.ObserveRequest(route, r.Method, status, elapsed)

				args := []any{
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"route", route,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration_ms", elapsed.Milliseconds(),
					"remote", r.RemoteAddr,
				}

				switch {
				case status >= 500:
					logger.Error("request completed", args...)
				case status >= 400:
					logger.Warn("request completed", args...)
				default:
					logger.Info("request completed", args...)
				}

				if slow > 0 && elapsed > slow {
					metrics.SlowRequests.Inc()
					logger.Warn("slow request", "request_id", middleware.GetReqID(r.Context()), "path", r.URL.Path, "duration_ms", elapsed.Milliseconds())
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
