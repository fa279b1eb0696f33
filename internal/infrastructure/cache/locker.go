package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/assessment"
)

const lockPrefix = "tutor-api:lock:"

// Locker hands out distributed mutexes so one assessment dispatch runs per
// conversation instance across replicas.
type Locker struct {
	rs  *redsync.Redsync
	ttl time.Duration
	log zerolog.Logger
}

// NewLocker creates a redsync-backed locker.
func NewLocker(client redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{
		rs:  redsync.New(goredis.NewPool(client)),
		ttl: ttl,
		log: log.With().Str("component", "locker").Logger(),
	}
}

// Acquire takes the lock without waiting. assessment.ErrLocked means another holder has it.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex(lockPrefix+key, redsync.WithExpiry(l.ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, assessment.ErrLocked
		}
		return nil, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(releaseCtx); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("release lock")
		}
	}, nil
}

func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	var taken redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}
	var takenPtr *redsync.ErrTaken
	return errors.As(err, &takenPtr)
}

// LocalLocker is the single-replica fallback used when redis is not configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// Acquire takes the lock without waiting.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, assessment.ErrLocked
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
