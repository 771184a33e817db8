package middleware

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/scanrelay/internal/reqctx"
)

// RequestContext attaches a reqctx.Context to every request. An inbound
// X-Request-ID is reused; otherwise a fresh id is generated. The id is
// echoed back on the response.
func RequestContext(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.New(r.Header.Get(reqctx.HeaderRequestID))
			rc.Route = r.Method + " " + r.URL.Path
			if client := r.Header.Get(HeaderClientID); client != "" {
				rc.TenantID = client
			}

			w.Header().Set(reqctx.HeaderRequestID, rc.RequestID)
			ctx := reqctx.WithContext(r.Context(), rc)

			logger.DebugContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))

			if rctx := chi.RouteContext(ctx); rctx != nil {
				logger.DebugContext(ctx, "request finished", slog.String("route", rctx.RoutePattern()))
			}
		})
	}
}

// HeaderClientID optionally names the tenant a request acts for.
const HeaderClientID = "X-Client-ID"
