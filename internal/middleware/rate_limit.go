package middleware

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/fdip/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
)

// RateLimitMiddleware counts requests per path and caller in a fixed
// window. A Redis outage lets requests through.
func RateLimitMiddleware(redisClient *redis.Client, limit int, window time.Duration, metrics *services.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if redisClient == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			caller := r.RemoteAddr
			if p, ok := PrincipalFrom(r.Context()); ok {
				caller = p.UserID
			}
			key := fmt.Sprintf("rate_limit:%s:%s", r.URL.Path, caller)

			ctx := r.Context()
			count, err := redisClient.Incr(ctx, key).Result()
			if err != nil {
				log.Printf("[RATE_LIMIT] Counter unavailable: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				redisClient.Expire(ctx, key, window)
			}

			if count > int64(limit) {
				metrics.RateLimited(routePattern(r))
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				services.SendErrorResponse(w, "Rate limit exceeded", http.StatusTooManyRequests, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
