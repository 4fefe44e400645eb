package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxAuthenticated contextKey = iota
	ctxRemoteIP
)

// Authenticated reports whether the request passed the API key check.
func Authenticated(ctx context.Context) bool {
	v, _ := ctx.Value(ctxAuthenticated).(bool)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that validates Bearer API keys.
// Requests without a valid key get a 401 with a WWW-Authenticate header.
func Middleware(v *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	const (
		wwwAuthNoToken = `Bearer realm="chat-sync"`
		wwwAuthInvalid = `Bearer realm="chat-sync", error="invalid_token"`
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			key := strings.TrimPrefix(authHeader, "Bearer ")

			if !v.Verify(key) {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxAuthenticated, true)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
