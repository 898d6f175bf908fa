package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/chatpool/gateway/internal/shared/database"
	"github.com/chatpool/gateway/internal/shared/models"
	"github.com/chatpool/gateway/internal/shared/redis"
)

type contextKey string

const userContextKey contextKey = "user"

// userFrom returns the authenticated user attached by AuthMiddleware.
func userFrom(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

type Middleware struct {
	db         *database.DB
	redis      *redis.Client
	perMin     int
	adminRoles map[string]bool
}

func NewMiddleware(db *database.DB, redis *redis.Client, rateLimitPerMinute int) *Middleware {
	return &Middleware{
		db:     db,
		redis:  redis,
		perMin: rateLimitPerMinute,
		adminRoles: map[string]bool{
			"admin": true,
			"super": true,
		},
	}
}

// AuthMiddleware resolves the bearer token to a user
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}

		user, err := m.db.GetUser(r.Context(), parts[1])
		if err != nil || user == nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, *user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitMiddleware enforces a per-user per-minute request limit
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r.Context())
		if !ok || m.perMin <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		exceeded, remaining, err := m.redis.CheckRateLimit(r.Context(), user.ID, m.perMin)
		if err != nil {
			// limiter outage must not take chat down with it
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.perMin))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if exceeded {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AdminMiddleware restricts credential management to admin roles
func (m *Middleware) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r.Context())
		if !ok || !m.adminRoles[user.Role] {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
