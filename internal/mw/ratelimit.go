package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// KeyedLimiter 为每个 key 维护一个令牌桶，长时间未使用的桶会被回收。
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

func NewKeyedLimiter(r rate.Limit, burst int, ttl time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		buckets: make(map[string]*bucket),
		r:       r,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Allow 消耗 key 对应桶中的一个令牌。
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	b, ok := kl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(kl.r, kl.burst)}
		kl.buckets[key] = b
	}
	b.seen = kl.now()
	kl.mu.Unlock()
	return b.lim.Allow()
}

// Len 返回当前跟踪的 key 数量。
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.buckets)
}

// sweep 删除超过 ttl 未访问的桶。
func (kl *KeyedLimiter) sweep() {
	now := kl.now()
	kl.mu.Lock()
	for k, b := range kl.buckets {
		if now.Sub(b.seen) > kl.ttl {
			delete(kl.buckets, k)
		}
	}
	kl.mu.Unlock()
}

func (kl *KeyedLimiter) gc(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stop:
			return
		case <-ticker.C:
			kl.sweep()
		}
	}
}

// Stop 停止回收 goroutine，可重复调用。
func (kl *KeyedLimiter) Stop() {
	kl.once.Do(func() { close(kl.stop) })
}

// RateLimit 返回一个基于 IP+路由的令牌桶限速中间件。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	kl := NewKeyedLimiter(r, burst, 2*time.Minute)
	go kl.gc(30 * time.Second)
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !kl.Allow(clientIP(c.Request.RemoteAddr) + "|" + route) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
