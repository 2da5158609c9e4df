package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"collabtext/internal/session"
)

const DefaultTTL = 24 * time.Hour

// Redis keeps rooms as JSON under room:<name> so that several relays can
// share one directory. Entries expire unless touched.
type Redis struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedis(rdb redis.Cmdable, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func key(name string) string {
	return "room:" + name
}

func (r *Redis) Create(ctx context.Context, s session.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", s.RoomName, err)
	}
	ok, err := r.rdb.SetNX(ctx, key(s.RoomName), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("create room %s: %w", s.RoomName, err)
	}
	if !ok {
		return ErrRoomExists
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, name string) (session.Session, error) {
	data, err := r.rdb.Get(ctx, key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, ErrRoomNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get room %s: %w", name, err)
	}
	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return session.Session{}, fmt.Errorf("decode room %s: %w", name, err)
	}
	return s, nil
}

func (r *Redis) Put(ctx context.Context, s session.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", s.RoomName, err)
	}
	if err := r.rdb.Set(ctx, key(s.RoomName), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("put room %s: %w", s.RoomName, err)
	}
	return nil
}

func (r *Redis) Touch(ctx context.Context, name string) error {
	ok, err := r.rdb.Expire(ctx, key(name), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("touch room %s: %w", name, err)
	}
	if !ok {
		return ErrRoomNotFound
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, name string) error {
	if err := r.rdb.Del(ctx, key(name)).Err(); err != nil {
		return fmt.Errorf("delete room %s: %w", name, err)
	}
	return nil
}
