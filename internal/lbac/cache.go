package lbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DecisionCache guarda decisões por (usuário, ação, nó). Invalidação por
// geração: incrementar a geração torna as chaves antigas inalcançáveis.
type DecisionCache interface {
	Get(ctx context.Context, userID uuid.UUID, action string, node uuid.UUID) (Decision, bool)
	Set(ctx context.Context, userID uuid.UUID, action string, node uuid.UUID, d Decision)
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
	InvalidateAll(ctx context.Context) error
}

// NoopCache não guarda nada.
type NoopCache struct{}

func (NoopCache) Get(context.Context, uuid.UUID, string, uuid.UUID) (Decision, bool) {
	return Decision{}, false
}
func (NoopCache) Set(context.Context, uuid.UUID, string, uuid.UUID, Decision) {}
func (NoopCache) InvalidateUser(context.Context, uuid.UUID) error             { return nil }
func (NoopCache) InvalidateAll(context.Context) error                         { return nil }

const (
	globalGenKey   = "lbac:gen:global"
	userGenPrefix  = "lbac:gen:user:"
	decisionKeyFmt = "lbac:dec:%s:%s:%s:%s:%s"
)

// RedisCache guarda decisões no Redis com TTL curto.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache cria o cache; ttl <= 0 usa 30s.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl}
}

type cachedDecision struct {
	Allowed bool   `json:"a"`
	Reason  string `json:"r"`
}

func (c *RedisCache) key(ctx context.Context, userID uuid.UUID, action string, node uuid.UUID) (string, error) {
	gens, err := c.client.MGet(ctx, globalGenKey, userGenPrefix+userID.String()).Result()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(decisionKeyFmt, genValue(gens[0]), genValue(gens[1]), userID, action, node), nil
}

func genValue(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "0"
}

func (c *RedisCache) Get(ctx context.Context, userID uuid.UUID, action string, node uuid.UUID) (Decision, bool) {
	key, err := c.key(ctx, userID, action, node)
	if err != nil {
		return Decision{}, false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return Decision{}, false
	}
	var cd cachedDecision
	if err := json.Unmarshal(raw, &cd); err != nil {
		return Decision{}, false
	}
	return Decision{Allowed: cd.Allowed, Reason: cd.Reason, FromCache: true}, true
}

func (c *RedisCache) Set(ctx context.Context, userID uuid.UUID, action string, node uuid.UUID, d Decision) {
	key, err := c.key(ctx, userID, action, node)
	if err != nil {
		return
	}
	raw, _ := json.Marshal(cachedDecision{Allowed: d.Allowed, Reason: d.Reason})
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
}

func (c *RedisCache) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	return c.client.Incr(ctx, userGenPrefix+userID.String()).Err()
}

func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	return c.client.Incr(ctx, globalGenKey).Err()
}

// Generation devolve a geração atual do usuário (útil em diagnósticos).
func (c *RedisCache) Generation(ctx context.Context, userID uuid.UUID) (int64, error) {
	v, err := c.client.Get(ctx, userGenPrefix+userID.String()).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
