package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisLockAcquireRelease(t *testing.T) {
	client, _ := newRedisClient(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "test:lock", time.Minute)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	// Second holder is shut out while the lock is held.
	other := NewRedisLock(client, "test:lock", time.Minute)
	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if ok {
		t.Error("second acquire should fail while held")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
	if !ok {
		t.Error("acquire should succeed after release")
	}
}

func TestRedisLockReleaseOnlyOwn(t *testing.T) {
	client, mr := newRedisClient(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "test:lock", time.Minute)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	// Simulate the lock expiring and another holder taking it.
	mr.Del("lock:test:lock")
	mr.Set("lock:test:lock", "someone-else")

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if v, _ := mr.Get("lock:test:lock"); v != "someone-else" {
		t.Error("Release() must not delete another holder's lock")
	}
}

func TestRedisLockExpires(t *testing.T) {
	client, mr := newRedisClient(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "test:lock", time.Second)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	mr.FastForward(2 * time.Second)

	other := NewRedisLock(client, "test:lock", time.Second)
	ok, err := other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !ok {
		t.Error("lock should be acquirable after TTL expiry")
	}
}

func TestPGAdvisoryLockAcquireRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	lock := NewPGAdvisoryLock(db, "scheduler:tick")

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(lock.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	// The unlock must go out on the session that took the lock.
	mock.ExpectExec("pg_advisory_unlock").
		WithArgs(lock.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !ok {
		t.Fatal("acquire should succeed")
	}
	if lock.conn == nil {
		t.Fatal("acquired lock must pin its connection")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if lock.conn != nil {
		t.Error("released lock must return its connection")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPGAdvisoryLockContended(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	lock := NewPGAdvisoryLock(db, "dispatch:campaign:x")

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(lock.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if ok {
		t.Error("contended acquire should report false")
	}
	if lock.conn != nil {
		t.Error("a lost acquire must not hold a connection")
	}
	// Release with nothing held is a no-op: no statement issued.
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestNewLockPrefersRedis(t *testing.T) {
	client, _ := newRedisClient(t)

	if _, ok := NewLock(client, nil, "k", time.Minute).(*RedisLock); !ok {
		t.Error("NewLock with a redis client should return a RedisLock")
	}
	if _, ok := NewLock(nil, nil, "k", time.Minute).(*PGAdvisoryLock); !ok {
		t.Error("NewLock without redis should fall back to the advisory lock")
	}
}
