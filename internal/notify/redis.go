package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
)

// RedisConfig holds connection settings for the reminder scheduler.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// Reminder is a notification stored in Redis.
type Reminder struct {
	Handle        Handle    `json:"handle"`
	OccurrenceKey string    `json:"occurrence_key"`
	FireAt        time.Time `json:"fire_at"`
	Payload       Payload   `json:"payload"`
}

// RedisGateway is a server-side notification scheduler: a sorted set of
// handles scored by firing time and a hash of handle -> reminder.
type RedisGateway struct {
	rdb     *redis.Client
	dueKey  string
	dataKey string
	now     func() time.Time
	logger  *zap.Logger
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// NewRedisGateway stores reminders under prefix ("reminders" when empty).
func NewRedisGateway(rdb *redis.Client, prefix string, logger *zap.Logger) *RedisGateway {
	if prefix == "" {
		prefix = "reminders"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisGateway{
		rdb:     rdb,
		dueKey:  prefix + ":due",
		dataKey: prefix + ":data",
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock replaces the scheduler clock.
func (g *RedisGateway) WithClock(now func() time.Time) *RedisGateway {
	g.now = now
	return g
}

func (g *RedisGateway) ScheduleAt(ctx context.Context, key adherence.Key, at time.Time, payload Payload) (Handle, error) {
	if !at.After(g.now()) {
		return "", nil
	}
	h := HandleFor(key)
	data, err := json.Marshal(Reminder{Handle: h, OccurrenceKey: key.String(), FireAt: at.UTC(), Payload: payload})
	if err != nil {
		return "", fmt.Errorf("marshal reminder: %w", err)
	}

	pipe := g.rdb.TxPipeline()
	pipe.HSet(ctx, g.dataKey, string(h), data)
	pipe.ZAdd(ctx, g.dueKey, &redis.Z{Score: float64(at.Unix()), Member: string(h)})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchedulingUnavailable, err)
	}
	return h, nil
}

func (g *RedisGateway) Cancel(ctx context.Context, handle Handle) error {
	if handle == "" {
		return nil
	}
	pipe := g.rdb.TxPipeline()
	pipe.ZRem(ctx, g.dueKey, string(handle))
	pipe.HDel(ctx, g.dataKey, string(handle))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCancellationFailed, err)
	}
	return nil
}

func (g *RedisGateway) ListPendingHandles(ctx context.Context) (map[Handle]struct{}, error) {
	members, err := g.rdb.ZRange(ctx, g.dueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending reminders: %w", err)
	}
	out := make(map[Handle]struct{}, len(members))
	for _, m := range members {
		out[Handle(m)] = struct{}{}
	}
	return out, nil
}

// claimDue pops up to ARGV[2] members of KEYS[1] scored at or below ARGV[1]
// and their KEYS[2] entries in one step. It returns handle, data pairs; data
// is empty when the hash entry is missing.
var claimDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, h in ipairs(due) do
	redis.call('ZREM', KEYS[1], h)
	local data = redis.call('HGET', KEYS[2], h)
	redis.call('HDEL', KEYS[2], h)
	table.insert(out, h)
	table.insert(out, data or '')
end
return out
`)

// ClaimDue removes and returns up to limit reminders due at or before now.
// A reminder is returned to exactly one caller even with several
// dispatchers polling the same set. limit <= 0 claims every due reminder.
func (g *RedisGateway) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]Reminder, error) {
	if limit <= 0 {
		limit = -1
	}
	pairs, err := claimDue.Run(ctx, g.rdb, []string{g.dueKey, g.dataKey},
		strconv.FormatInt(now.Unix(), 10), limit).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}

	claimed := make([]Reminder, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		handle, raw := pairs[i], pairs[i+1]
		if raw == "" {
			g.logger.Warn("due reminder without data", zap.String("handle", handle))
			continue
		}
		var r Reminder
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			g.logger.Error("corrupt reminder data", zap.String("handle", handle), zap.Error(err))
			continue
		}
		claimed = append(claimed, r)
	}
	return claimed, nil
}
