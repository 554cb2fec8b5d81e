package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhouzirui/pairchat/pkg/utils"
)

// RateLimiter 按客户端地址限流，防止令牌被批量签发或暴力认领
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	idle      time.Duration
	now       func() time.Time

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter 创建限流器，perSecond<=0 表示不限流
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		idle:      10 * time.Minute,
		now:       time.Now,
		limiters:  make(map[string]*clientLimiter),
	}
}

// Handler 限流中间件
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if rl.perSecond <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			utils.RespondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow 消耗一个令牌
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getOrCreate(key).Allow()
}

func (rl *RateLimiter) getOrCreate(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if cl, ok := rl.limiters[key]; ok {
		cl.lastSeen = now
		return cl.limiter
	}
	cl := &clientLimiter{limiter: rate.NewLimiter(rl.perSecond, rl.burst), lastSeen: now}
	rl.limiters[key] = cl
	return cl.limiter
}

// Prune 清理长时间未出现的客户端
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idle)
	removed := 0
	for key, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
