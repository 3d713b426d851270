package dedupe

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "chatrelay:push-dedupe:"

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisSuppressor shares the suppression window between relay instances.
// Redis failures fail open: TryBegin returns true.
type RedisSuppressor struct {
	rdb    redisClient
	log    *log.Logger
	window time.Duration
	grace  time.Duration
}

func NewRedisSuppressor(rdb *redis.Client, logger *log.Logger) *RedisSuppressor {
	return &RedisSuppressor{
		rdb:    rdb,
		log:    logger,
		window: Window,
		grace:  Grace,
	}
}

func (s *RedisSuppressor) TryBegin(ctx context.Context, key string) bool {
	ok, err := s.rdb.SetNX(ctx, redisKeyPrefix+key, time.Now().UnixMilli(), s.window).Result()
	if err != nil {
		s.log.Printf("dedupe: SETNX %q: %v", key, err)
		return true
	}
	return ok
}

func (s *RedisSuppressor) End(ctx context.Context, key string) {
	if err := s.rdb.PExpire(ctx, redisKeyPrefix+key, s.grace).Err(); err != nil {
		s.log.Printf("dedupe: PEXPIRE %q: %v", key, err)
	}
}
