package middleware

import (
	"context"
	"net/http"
	"strings"

	"canvas-sync/pkg/jwt"
	"canvas-sync/pkg/response"
)

type contextKey string

const (
	ClientIDKey contextKey = "clientID"
	sinkKey     contextKey = "clientIDSink"
)

func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwt.ValidateToken(parts[1], jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			if sink, ok := r.Context().Value(sinkKey).(*string); ok {
				*sink = claims.ClientID
			}
			ctx := context.WithValue(r.Context(), ClientIDKey, claims.ClientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetClientID(r *http.Request) string {
	clientID, ok := r.Context().Value(ClientIDKey).(string)
	if !ok {
		return ""
	}
	return clientID
}

func withClientIDSink(ctx context.Context, sink *string) context.Context {
	return context.WithValue(ctx, sinkKey, sink)
}
