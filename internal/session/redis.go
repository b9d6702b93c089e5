package session

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/infra"
)

const (
	sessionKeyPrefix = "gw:sess:"
	lockKeyPrefix    = "gw:sess:lock:"
	activityIndexKey = "gw:sess:activity"

	writeLockTTL = 5 * time.Second
)

// Redis stores sessions as JSON values with a sorted-set activity index
// for idle sweeping. The advisory write lock is a SET NX key per session.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

// OpenRedis dials the session store.
func OpenRedis(url string) (*Redis, error) {
	rdb, err := infra.DialRedis(url)
	if err != nil {
		return nil, err
	}
	return &Redis{rdb: rdb, now: time.Now}, nil
}

// NewRedis wraps an existing client (tests).
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func (r *Redis) Create(ctx context.Context, s *core.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return core.Wrap(core.KindInternal, "marshal session", err)
	}

	ok, err := r.rdb.SetNX(ctx, sessionKeyPrefix+s.SessionID, payload, 0).Result()
	if err != nil {
		return core.Wrap(core.KindInternal, "session store write", err)
	}
	if !ok {
		return core.E(core.KindConflict, "session already exists "+s.SessionID)
	}

	return r.indexActivity(ctx, s)
}

func (r *Redis) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	payload, err := r.rdb.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, errNotFound(sessionID)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "session store read", err)
	}

	var s core.Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, core.Wrap(core.KindInternal, "decode session", err)
	}
	return &s, nil
}

func (r *Redis) Update(ctx context.Context, sessionID string, fn func(*core.Session) error) error {
	lockKey := lockKeyPrefix + sessionID
	acquired, err := r.rdb.SetNX(ctx, lockKey, "1", writeLockTTL).Result()
	if err != nil {
		return core.Wrap(core.KindInternal, "session lock", err)
	}
	if !acquired {
		return errWriteConflict(sessionID)
	}
	defer r.rdb.Del(ctx, lockKey)

	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return core.Wrap(core.KindInternal, "marshal session", err)
	}
	if err := r.rdb.Set(ctx, sessionKeyPrefix+sessionID, payload, 0).Err(); err != nil {
		return core.Wrap(core.KindInternal, "session store write", err)
	}
	return r.indexActivity(ctx, s)
}

func (r *Redis) Delete(ctx context.Context, sessionID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+sessionID)
	pipe.ZRem(ctx, activityIndexKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.Wrap(core.KindInternal, "session store delete", err)
	}
	return nil
}

func (r *Redis) SweepIdle(ctx context.Context, idleTimeout time.Duration) (int, error) {
	cutoff := r.now().Add(-idleTimeout).Unix()
	idle, err := r.rdb.ZRangeByScore(ctx, activityIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, core.Wrap(core.KindInternal, "session sweep scan", err)
	}

	for _, id := range idle {
		if err := r.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(idle), nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) indexActivity(ctx context.Context, s *core.Session) error {
	err := r.rdb.ZAdd(ctx, activityIndexKey, redis.Z{
		Score:  float64(s.LastActivityAt.Unix()),
		Member: s.SessionID,
	}).Err()
	if err != nil {
		return core.Wrap(core.KindInternal, "session activity index", err)
	}
	return nil
}
