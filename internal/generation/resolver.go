package generation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"go.uber.org/zap"
)

type cachedAvatar struct {
	avatar   *models.TrainedAvatar
	storedAt time.Time
}

// ModelResolver caches each user's active avatar for a short TTL.
type ModelResolver struct {
	store      AvatarStore
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	logger     *zap.Logger

	mu    sync.Mutex
	cache map[int64]cachedAvatar
}

func NewModelResolver(store AvatarStore, ttl time.Duration, maxEntries int, logger *zap.Logger) *ModelResolver {
	return &ModelResolver{
		store:      store,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		logger:     logger.Named("resolver"),
		cache:      make(map[int64]cachedAvatar),
	}
}

// GetActiveModel returns the user's active avatar (nil when none) with whatever status is stored.
func (r *ModelResolver) GetActiveModel(ctx context.Context, userID int64) (*models.TrainedAvatar, error) {
	r.mu.Lock()
	if e, ok := r.cache[userID]; ok && r.now().Sub(e.storedAt) < r.ttl {
		r.mu.Unlock()
		return copyAvatar(e.avatar), nil
	}
	r.mu.Unlock()

	// lookup runs without the lock; a concurrent miss for the same user just loads twice
	avatar, err := r.store.GetActiveTrainedModel(ctx, userID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[userID] = cachedAvatar{avatar: copyAvatar(avatar), storedAt: r.now()}
	if len(r.cache) > r.maxEntries {
		r.evictOldestLocked()
	}
	r.mu.Unlock()

	return avatar, nil
}

// Invalidate drops the cached entry, e.g. after the user switched avatars.
func (r *ModelResolver) Invalidate(userID int64) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}

func (r *ModelResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// evictOldestLocked removes the oldest tenth of the entries.
func (r *ModelResolver) evictOldestLocked() {
	type entry struct {
		userID   int64
		storedAt time.Time
	}
	entries := make([]entry, 0, len(r.cache))
	for id, e := range r.cache {
		entries = append(entries, entry{id, e.storedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].storedAt.Before(entries[j].storedAt) })

	n := len(entries) / 10
	if n == 0 {
		n = 1
	}
	for _, e := range entries[:n] {
		delete(r.cache, e.userID)
	}
	r.logger.Debug("Evicted resolver cache entries", zap.Int("evicted", n), zap.Int("remaining", len(r.cache)))
}

func copyAvatar(a *models.TrainedAvatar) *models.TrainedAvatar {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
