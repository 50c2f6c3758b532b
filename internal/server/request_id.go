package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"mediaforge/internal/observability/logging"
)

const requestIDHeader = "X-Request-Id"

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, uuid.NewString)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator) func(http.Handler) http.Handler {
	if generator == nil {
		generator = uuid.NewString
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if requestID == "" || len(requestID) > 128 {
				requestID = generator()
			}
			ctx := logging.ContextWithRequestID(r.Context(), requestID)
			ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
			w.Header().Set(requestIDHeader, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
