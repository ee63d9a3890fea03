package middleware

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-automation/internal/auth"
	"github.com/ksred/klear-automation/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits are requests per minute per caller and route. Zero means unlimited.
type Limits struct {
	AuthPerMinute    float64
	ExecutePerMinute float64
	DefaultPerMinute float64
	Burst            int
}

// RateLimiter keeps one token bucket per caller and route
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   Limits
}

func NewRateLimiter(limits Limits) *RateLimiter {
	if limits.Burst <= 0 {
		limits.Burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits:   limits,
	}
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60.0)
}

func (l *RateLimiter) limitFor(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return perMinute(l.limits.AuthPerMinute)
	case strings.HasSuffix(path, "/execute"), strings.HasSuffix(path, "/confirm"):
		return perMinute(l.limits.ExecutePerMinute)
	default:
		return perMinute(l.limits.DefaultPerMinute)
	}
}

func (l *RateLimiter) getLimiter(path, caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := caller + ":" + path
	v, exists := l.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.limitFor(path), l.limits.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops callers idle for longer than idle until ctx is cancelled
func (l *RateLimiter) Cleanup(ctx context.Context, idle time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(idle)
		}
	}
}

func (l *RateLimiter) evict(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(l.visitors, key)
		}
	}
}

// Handler limits by authenticated client, falling back to the remote IP
func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("clientID")
		if caller == "" {
			caller = c.ClientIP()
		}

		if !l.getLimiter(c.FullPath(), caller).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

// JWTAuth validates the bearer token and exposes its subject as clientID.
// Operator tokens also set operatorID.
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Set("role", claims.Role)
		if claims.Role == auth.RoleOperator {
			c.Set("operatorID", claims.ClientID)
		}
		c.Next()
	}
}

// RequireRole rejects callers whose token does not carry role
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("role") != role {
			response.Forbidden(c, "Insufficient role for this endpoint")
			c.Abort()
			return
		}
		c.Next()
	}
}

// InternalAuth guards internal endpoints with a shared API key. An empty
// key disables them entirely.
func InternalAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Internal-Key")
		if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			response.Unauthorized(c, "Internal access required")
			c.Abort()
			return
		}
		c.Next()
	}
}
