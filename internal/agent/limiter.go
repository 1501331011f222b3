package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const limiterSweepInterval = 5 * time.Minute

// AuthLimiter counts failed key checks per client and blocks a client once
// it reaches the limit within the window.
type AuthLimiter interface {
	Blocked(ctx context.Context, key string) bool
	Failed(ctx context.Context, key string)
	Close()
}

type memoryLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	entries map[string]failureState
	stopCh  chan struct{}
	once    sync.Once
}

type failureState struct {
	count     int
	windowEnd time.Time
}

// NewMemoryLimiter returns a process-local AuthLimiter.
func NewMemoryLimiter(limit int, window time.Duration) AuthLimiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &memoryLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string]failureState),
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *memoryLimiter) Blocked(_ context.Context, key string) bool {
	if l.limit <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.entries[key]
	if !ok || time.Now().After(state.windowEnd) {
		return false
	}
	return state.count >= l.limit
}

func (l *memoryLimiter) Failed(_ context.Context, key string) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.entries[key]
	if !ok || now.After(state.windowEnd) {
		state = failureState{windowEnd: now.Add(l.window)}
	}
	state.count++
	l.entries[key] = state
}

func (l *memoryLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *memoryLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, state := range l.entries {
		if now.After(state.windowEnd) {
			delete(l.entries, key)
		}
	}
}

func (l *memoryLimiter) Close() {
	l.once.Do(func() {
		close(l.stopCh)
	})
}

type redisLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
}

// NewRedisLimiter returns an AuthLimiter shared by every agent using the
// same Redis. Redis errors fail open.
func NewRedisLimiter(addr, password string, db, limit int, window time.Duration, logger *slog.Logger) (AuthLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if window <= 0 {
		window = time.Minute
	}
	return &redisLimiter{
		client:  client,
		logger:  logger,
		prefix:  "sitefleet:authfail:",
		limit:   limit,
		window:  window,
		timeout: 250 * time.Millisecond,
	}, nil
}

func (l *redisLimiter) Blocked(ctx context.Context, key string) bool {
	if l.limit <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	count, err := l.client.Get(ctx, l.prefix+key).Int()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		l.logRedisError("get", err)
		return false
	}
	return count >= l.limit
}

func (l *redisLimiter) Failed(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	redisKey := l.prefix + key
	counter, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		l.logRedisError("incr", err)
		return
	}
	if counter == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			l.logRedisError("expire", err)
		}
	}
}

func (l *redisLimiter) Close() {
	if l.client != nil {
		_ = l.client.Close()
	}
}

func (l *redisLimiter) logRedisError(op string, err error) {
	if l.logger == nil {
		return
	}
	l.logger.Error("redis auth limiter error", "op", op, "error", err)
}
