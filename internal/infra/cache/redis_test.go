package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLock(t *testing.T) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("не удалось запустить miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLock(client, "fs:"), mr
}

func TestAcquireOnlyOnce(t *testing.T) {
	lock, mr := newTestLock(t)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "scheduler:window:600:42", 20*time.Second)
	if err != nil || !ok {
		t.Fatalf("первый захват должен пройти: %v, %v", ok, err)
	}
	ok, err = lock.Acquire(ctx, "scheduler:window:600:42", 20*time.Second)
	if err != nil || ok {
		t.Fatalf("повторный захват должен быть отклонён: %v, %v", ok, err)
	}
	if !mr.Exists("fs:scheduler:window:600:42") {
		t.Fatalf("ключ должен храниться с префиксом")
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	lock, mr := newTestLock(t)
	ctx := context.Background()

	if ok, _ := lock.Acquire(ctx, "k", 10*time.Second); !ok {
		t.Fatalf("первый захват должен пройти")
	}
	mr.FastForward(11 * time.Second)
	if ok, err := lock.Acquire(ctx, "k", 10*time.Second); err != nil || !ok {
		t.Fatalf("после истечения ключ снова доступен: %v, %v", ok, err)
	}
}

func TestAcquireReportsRedisError(t *testing.T) {
	lock, mr := newTestLock(t)
	mr.Close()
	if _, err := lock.Acquire(context.Background(), "k", time.Second); err == nil {
		t.Fatalf("ожидалась ошибка недоступного Redis")
	}
}
