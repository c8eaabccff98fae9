package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrTokenNotFound = errors.New("reset token not found or expired")

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func resetKey(token string) string {
	return "pwdreset:" + token
}

func (s *Store) SaveResetToken(ctx context.Context, token string, userID uint64, ttl time.Duration) error {
	return s.rdb.Set(ctx, resetKey(token), strconv.FormatUint(userID, 10), ttl).Err()
}

// ConsumeResetToken returns the user the token was issued for and deletes it,
// so a token works once.
func (s *Store) ConsumeResetToken(ctx context.Context, token string) (uint64, error) {
	v, err := s.rdb.GetDel(ctx, resetKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrTokenNotFound
		}
		return 0, err
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, ErrTokenNotFound
	}
	return id, nil
}
