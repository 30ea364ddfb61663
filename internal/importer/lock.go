package importer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatimport/internal/redis"
)

// Locker serialises imports and rollbacks of the same chat.
type Locker interface {
	Lock(ctx context.Context, chatID int64) (unlock func(), err error)
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// LocalLocker serialises work within one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]*lockSlot
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[int64]*lockSlot)}
}

func (l *LocalLocker) Lock(ctx context.Context, chatID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[chatID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[chatID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.release(chatID, slot)
			})
		}, nil
	case <-ctx.Done():
		l.release(chatID, slot)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(chatID int64, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, chatID)
	}
}

const (
	redisLockPrefix     = "chatimport:lock:chat:"
	defaultLockTTL      = 10 * time.Minute
	defaultLockInterval = 100 * time.Millisecond
)

// RedisLocker serialises work across instances sharing one redis. The
// key expires after ttl so a crashed holder cannot block a chat forever.
type RedisLocker struct {
	client   *redis.Client
	ttl      time.Duration
	interval time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl, interval: defaultLockInterval}
}

func (l *RedisLocker) Lock(ctx context.Context, chatID int64) (func(), error) {
	key := fmt.Sprintf("%s%d", redisLockPrefix, chatID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire chat lock: %w", err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()
					l.client.DelIfValue(releaseCtx, key, token)
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.interval):
		}
	}
}

// ChainLocker takes every lock in order and releases them in reverse.
type ChainLocker []Locker

func (c ChainLocker) Lock(ctx context.Context, chatID int64) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		unlock, err := l.Lock(ctx, chatID)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return releaseAll, nil
}
