package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKeyReviewerID struct{}

// GetReviewerID retrieves the authenticated reviewer from the context.
func GetReviewerID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyReviewerID{}).(string)
	return id
}

// RequireReviewer guards the human-review endpoints with an HS256 bearer
// token. The token subject identifies the reviewer and is recorded as
// resolved_by on the decision.
func RequireReviewer(signingKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			authHeader := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				unauthorized(ctx, w, logger, "missing bearer token")
				return
			}

			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(signingKey), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				unauthorized(ctx, w, logger, "invalid token")
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				unauthorized(ctx, w, logger, "token missing subject")
				return
			}

			ctx = context.WithValue(ctx, contextKeyReviewerID{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, reason string) {
	logger.WarnContext(ctx, "unauthorized review request",
		"reason", reason,
		"request_id", GetRequestID(ctx),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
