package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Limiter decide se a chave pode prosseguir e, se não, quanto esperar.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// RateLimiter mantém token buckets locais por chave, descartando os ociosos.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	mu     sync.Mutex
	store  map[string]*limiterEntry
	maxAge time.Duration
}

type limiterEntry struct {
	limiter *rate.Limiter
	updated time.Time
}

// NewRateLimiter cria limitador local.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:  rate.Limit(reqPerSec),
		burst:  burst,
		store:  make(map[string]*limiterEntry),
		maxAge: 10 * time.Minute,
	}
}

func (r *RateLimiter) get(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if entry, ok := r.store[key]; ok {
		entry.updated = now
		return entry.limiter
	}

	lim := rate.NewLimiter(r.limit, r.burst)
	r.store[key] = &limiterEntry{limiter: lim, updated: now}

	for k, entry := range r.store {
		if now.Sub(entry.updated) > r.maxAge {
			delete(r.store, k)
		}
	}
	return lim
}

// Allow consome um token; sem token disponível devolve a espera estimada.
func (r *RateLimiter) Allow(_ context.Context, key string) (bool, time.Duration) {
	res := r.get(key).Reserve()
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// RedisRateLimiter conta requisições em janelas fixas compartilhadas entre
// réplicas. Falhas do Redis liberam a requisição.
type RedisRateLimiter struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
	prefix string
}

// NewRedisRateLimiter converte requisições/segundo e burst em uma janela de
// um segundo com limite reqPerSec+burst.
func NewRedisRateLimiter(client redis.Cmdable, reqPerSec float64, burst int) *RedisRateLimiter {
	limit := int64(math.Ceil(reqPerSec)) + int64(burst)
	if limit < 1 {
		limit = 1
	}
	return &RedisRateLimiter{client: client, limit: limit, window: time.Second, prefix: "geosync:ratelimit:"}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	now := time.Now()
	slot := now.UnixNano() / int64(r.window)
	redisKey := r.prefix + key + ":" + strconv.FormatInt(slot, 10)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("rate limit indisponível; liberando requisição")
		return true, 0
	}
	if incr.Val() > r.limit {
		next := time.Unix(0, (slot+1)*int64(r.window))
		return false, next.Sub(now)
	}
	return true, 0
}

// LimitByKey aplica o limitador à chave extraída da requisição.
func LimitByKey(limiter Limiter, next http.Handler, keyFunc func(*http.Request) (string, bool)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key, ok := keyFunc(req)
		if !ok || key == "" {
			next.ServeHTTP(w, req)
			return
		}

		if allowed, wait := limiter.Allow(req.Context(), key); !allowed {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "limite de requisições excedido")
			return
		}

		next.ServeHTTP(w, req)
	})
}

// IPRateLimit utiliza IP remoto como chave.
func IPRateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return LimitByKey(limiter, next, func(r *http.Request) (string, bool) {
			return "ip:" + realIPFromRequest(r), true
		})
	}
}

// DeviceRateLimit utiliza o dispositivo informado em X-Device-ID, caindo
// para o subject autenticado quando o cabeçalho não vem.
func DeviceRateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return LimitByKey(limiter, next, func(r *http.Request) (string, bool) {
			if device := strings.TrimSpace(r.Header.Get("X-Device-ID")); device != "" {
				return "device:" + device, true
			}
			subject := GetSubject(r.Context())
			return "user:" + subject, subject != ""
		})
	}
}

// UserRateLimit utiliza subject autenticado como chave.
func UserRateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return LimitByKey(limiter, next, func(r *http.Request) (string, bool) {
			subject := GetSubject(r.Context())
			return "user:" + subject, subject != ""
		})
	}
}

func realIPFromRequest(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
