// Package leadership elects one replica to run the window sweep.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cadence/backend/internal/telemetry"
)

const (
	defaultElectionKey     = "cadence:leader:sweeper"
	defaultLeaseDuration   = 15 * time.Second
	defaultRenewalInterval = 5 * time.Second
)

// Lease is a single expiring lock held by one instance at a time.
type Lease interface {
	// Acquire takes or renews the lease and reports whether this instance holds it.
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Config struct {
	ElectionKey     string
	LeaseDuration   time.Duration
	RenewalInterval time.Duration
	InstanceID      string
}

func DefaultConfig() Config {
	return Config{
		ElectionKey:     defaultElectionKey,
		LeaseDuration:   defaultLeaseDuration,
		RenewalInterval: defaultRenewalInterval,
		InstanceID:      uuid.NewString(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ElectionKey == "" {
		c.ElectionKey = def.ElectionKey
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.RenewalInterval <= 0 {
		c.RenewalInterval = def.RenewalInterval
	}
	if c.InstanceID == "" {
		c.InstanceID = def.InstanceID
	}
	return c
}

// RedisLease keeps the lease in one redis key whose value is the holder's
// instance id.
type RedisLease struct {
	client redis.Cmdable
	key    string
	holder string
	ttl    time.Duration
}

func NewRedisLease(client redis.Cmdable, cfg Config) *RedisLease {
	cfg = cfg.withDefaults()
	return &RedisLease{client: client, key: cfg.ElectionKey, holder: cfg.InstanceID, ttl: cfg.LeaseDuration}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set lock: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get current leader: %w", err)
	}
	if current != l.holder {
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release deletes the key only while this instance still holds it.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Election campaigns for a lease until stopped.
type Election struct {
	lease   Lease
	cfg     Config
	log     *slog.Logger
	metrics *telemetry.Metrics

	leader   atomic.Bool
	leaderCh chan bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewElection(lease Lease, cfg Config, log *slog.Logger, metrics *telemetry.Metrics) *Election {
	cfg = cfg.withDefaults()
	return &Election{
		lease:    lease,
		cfg:      cfg,
		log:      log.With(slog.String("component", "leader_election"), slog.String("instance_id", cfg.InstanceID)),
		metrics:  metrics,
		leaderCh: make(chan bool, 1),
	}
}

// Start campaigns in the background. It tries once before returning so a
// lone replica is leader right away.
func (e *Election) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	e.log.Info("starting leader election", slog.Duration("lease_duration", e.cfg.LeaseDuration))
	e.attempt(ctx)
	go e.campaign(ctx)
}

// Stop ends the campaign and releases the lease if held.
func (e *Election) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	wasLeader := e.leader.Load()
	e.setLeader(false)
	if !wasLeader {
		return nil
	}
	if err := e.lease.Release(ctx); err != nil {
		e.log.Error("failed to release leadership", slog.String("error", err.Error()))
		return err
	}
	e.log.Info("released leadership")
	return nil
}

func (e *Election) IsLeader() bool {
	return e.leader.Load()
}

// Changes delivers leadership transitions. Slow readers miss intermediate
// values; IsLeader is always current.
func (e *Election) Changes() <-chan bool {
	return e.leaderCh
}

func (e *Election) campaign(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.attempt(ctx)
		}
	}
}

func (e *Election) attempt(ctx context.Context) {
	held, err := e.lease.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error("leadership attempt failed", slog.String("error", err.Error()))
		}
		e.setLeader(false)
		return
	}
	e.setLeader(held)
}

func (e *Election) setLeader(leader bool) {
	if e.leader.Swap(leader) == leader {
		return
	}
	if leader {
		e.log.Info("acquired leadership")
	} else {
		e.log.Warn("lost leadership")
	}
	e.metrics.SetLeader(leader)
	select {
	case e.leaderCh <- leader:
	default:
		select {
		case <-e.leaderCh:
		default:
		}
		select {
		case e.leaderCh <- leader:
		default:
		}
	}
}

// Always is the single-replica stand-in: this instance always leads.
type Always struct{}

func (Always) IsLeader() bool { return true }
