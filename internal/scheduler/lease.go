package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Lease guards a schedule run across scheduler instances. The in-memory
// running map only covers a single process.
type Lease interface {
	Acquire(ctx context.Context, scheduleID uint, ttl time.Duration) (bool, error)
	Release(ctx context.Context, scheduleID uint) error
}

// LeaseStore is the persistence primitive behind DBLease
type LeaseStore interface {
	AcquireScheduleLease(ctx context.Context, scheduleID uint, owner string, now, expiresAt time.Time) (bool, error)
	ReleaseScheduleLease(ctx context.Context, scheduleID uint, owner string) error
}

// DBLease claims schedules through a lease row updated only when unclaimed or expired
type DBLease struct {
	store LeaseStore
	owner string
	now   func() time.Time
}

// NewDBLease creates a database lease with a random owner id
func NewDBLease(store LeaseStore) *DBLease {
	return &DBLease{
		store: store,
		owner: uuid.NewString(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Owner returns this instance's lease owner id
func (l *DBLease) Owner() string { return l.owner }

func (l *DBLease) Acquire(ctx context.Context, scheduleID uint, ttl time.Duration) (bool, error) {
	now := l.now()
	return l.store.AcquireScheduleLease(ctx, scheduleID, l.owner, now, now.Add(ttl))
}

func (l *DBLease) Release(ctx context.Context, scheduleID uint) error {
	return l.store.ReleaseScheduleLease(ctx, scheduleID, l.owner)
}

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// RedisLease claims schedules with SET NX and releases only its own keys
type RedisLease struct {
	client *redis.Client
	owner  string
	prefix string
}

// RedisOptions configures the redis lease backend
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisLease connects to redis and verifies the connection
func NewRedisLease(ctx context.Context, opts RedisOptions) (*RedisLease, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisLeaseWithClient(client), nil
}

// NewRedisLeaseWithClient wraps an existing client
func NewRedisLeaseWithClient(client *redis.Client) *RedisLease {
	return &RedisLease{
		client: client,
		owner:  uuid.NewString(),
		prefix: "leadflow:schedule:lease:",
	}
}

func (l *RedisLease) key(scheduleID uint) string {
	return fmt.Sprintf("%s%d", l.prefix, scheduleID)
}

func (l *RedisLease) Acquire(ctx context.Context, scheduleID uint, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(scheduleID), l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context, scheduleID uint) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key(scheduleID)}, l.owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Close closes the redis client
func (l *RedisLease) Close() error {
	return l.client.Close()
}
