// Package redismetrics mirrors scheduling cycle stats into Redis so external
// dashboards can follow several processes at once.
//
// Keys (prefix defaults to "taskpilot"):
//
//	<prefix>:scheduler:ticks            INCR per cycle
//	<prefix>:scheduler:succeeded        INCRBY succeeded tasks
//	<prefix>:scheduler:failed           INCRBY failed tasks
//	<prefix>:scheduler:last             HSET of the latest cycle
//	<prefix>:agent:<id>:last            HSET of the latest cycle of an agent
package redismetrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"taskpilot/internal/task/manager"
)

const DefaultPrefix = "taskpilot"

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Connect builds a client and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Sink implements manager.CycleSink.
type Sink struct {
	rdb    redis.Cmdable
	prefix string
}

var _ manager.CycleSink = (*Sink)(nil)

func New(rdb redis.Cmdable, prefix string) *Sink {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Sink{rdb: rdb, prefix: prefix}
}

func (s *Sink) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// RecordCycle writes every key even when one write fails and returns the
// joined errors.
func (s *Sink) RecordCycle(ctx context.Context, st manager.CycleStats) error {
	last := map[string]any{
		"time":        st.Started.UTC().Format(time.RFC3339),
		"duration_ms": st.Duration.Milliseconds(),
		"pending":     st.Pending,
		"due":         st.Due,
		"claimed":     st.Claimed,
		"succeeded":   st.Succeeded,
		"failed":      st.Failed,
		"error":       st.Err,
	}
	errs := []error{
		s.rdb.Incr(ctx, s.key("scheduler", "ticks")).Err(),
		s.rdb.HSet(ctx, s.key("scheduler", "last"), last).Err(),
	}
	if st.Succeeded > 0 {
		errs = append(errs, s.rdb.IncrBy(ctx, s.key("scheduler", "succeeded"), int64(st.Succeeded)).Err())
	}
	if st.Failed > 0 {
		errs = append(errs, s.rdb.IncrBy(ctx, s.key("scheduler", "failed"), int64(st.Failed)).Err())
	}
	if st.AgentID != "" {
		errs = append(errs, s.rdb.HSet(ctx, s.key("agent", st.AgentID, "last"), last).Err())
	}
	return errors.Join(errs...)
}
