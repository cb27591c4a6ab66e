package httpapi

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const maxTrackedLimiters = 10000

// accountLimiter keeps one token bucket per account.
type accountLimiter struct {
	mutex    sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newAccountLimiter(perSecond float64, burst int) *accountLimiter {
	return &accountLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (limiter *accountLimiter) enabled() bool {
	return limiter.limit > 0
}

func (limiter *accountLimiter) allow(key string) bool {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	bucket, exists := limiter.limiters[key]
	if !exists {
		if len(limiter.limiters) >= maxTrackedLimiters {
			limiter.limiters = make(map[string]*rate.Limiter)
		}
		bucket = rate.NewLimiter(limiter.limit, limiter.burst)
		limiter.limiters[key] = bucket
	}
	return bucket.Allow()
}

func (limiter *accountLimiter) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !limiter.enabled() {
			ctx.Next()
			return
		}
		key := ctx.ClientIP()
		if claims := getClaims(ctx); claims != nil && claims.GetUserID() != "" {
			key = claims.GetUserID()
		}
		if !limiter.allow(key) {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
			return
		}
		ctx.Next()
	}
}
