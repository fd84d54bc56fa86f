package leadership

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeLease struct {
	mu       sync.Mutex
	held     bool
	err      error
	released int
}

func (f *fakeLease) Acquire(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held, f.err
}

func (f *fakeLease) Release(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeLease) set(held bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held, f.err = held, err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestElection_FollowsLease(t *testing.T) {
	lease := &fakeLease{held: true}
	e := NewElection(lease, Config{RenewalInterval: 10 * time.Millisecond, InstanceID: "a"}, discardLogger(), nil)
	ctx := context.Background()

	e.Start(ctx)
	if !e.IsLeader() {
		t.Fatalf("IsLeader = false after first attempt, want true")
	}
	if got := <-e.Changes(); !got {
		t.Fatalf("first change = %v, want true", got)
	}

	lease.set(false, nil)
	waitFor(t, func() bool { return !e.IsLeader() })

	lease.set(false, errors.New("redis down"))
	time.Sleep(30 * time.Millisecond)
	if e.IsLeader() {
		t.Fatalf("IsLeader = true while lease errors")
	}

	lease.set(true, nil)
	waitFor(t, e.IsLeader)

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if e.IsLeader() {
		t.Fatalf("IsLeader = true after Stop")
	}
	if lease.released != 1 {
		t.Fatalf("released = %d, want 1", lease.released)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("second Stop error: %v", err)
	}
}

func TestElection_FollowerDoesNotRelease(t *testing.T) {
	lease := &fakeLease{}
	e := NewElection(lease, Config{RenewalInterval: time.Hour}, discardLogger(), nil)
	e.Start(context.Background())
	if e.IsLeader() {
		t.Fatalf("IsLeader = true, want false")
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if lease.released != 0 {
		t.Fatalf("released = %d, want 0", lease.released)
	}
}

func TestRedisLease_Integration(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("CADENCE_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("CADENCE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := "cadence:test:leader:" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = client.Del(context.Background(), key).Err() })

	a := NewRedisLease(client, Config{ElectionKey: key, InstanceID: "a", LeaseDuration: 5 * time.Second})
	b := NewRedisLease(client, Config{ElectionKey: key, InstanceID: "b", LeaseDuration: 5 * time.Second})

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("a.Acquire = %v, %v; want true", ok, err)
	}
	if ok, err := b.Acquire(ctx); err != nil || ok {
		t.Fatalf("b.Acquire = %v, %v; want false", ok, err)
	}
	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("a renew = %v, %v; want true", ok, err)
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("b.Release error: %v", err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatalf("b released a's lease")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("a.Release error: %v", err)
	}
	if ok, err := b.Acquire(ctx); err != nil || !ok {
		t.Fatalf("b.Acquire after release = %v, %v; want true", ok, err)
	}
}
