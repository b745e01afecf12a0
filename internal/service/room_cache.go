// room_cache.go — LRU-кэш метаданных комнат с TTL для AccessService.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/roomguard/internal/domain/policy"
)

var (
	roomCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomguard_room_cache_hits_total",
		Help: "Попадания в кэш метаданных комнат.",
	})
	roomCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomguard_room_cache_misses_total",
		Help: "Промахи кэша метаданных комнат.",
	})
)

// RoomCache — per-instance кэш фактов о комнатах.
// Членство не кэшируется: его отзыв должен действовать немедленно.
type RoomCache struct {
	cache *expirable.LRU[string, policy.RoomFacts]
}

// NewRoomCache создаёт кэш. При maxSize <= 0 возвращает nil,
// все методы nil-кэша — пустые операции.
func NewRoomCache(maxSize int, ttl time.Duration) *RoomCache {
	if maxSize <= 0 {
		return nil
	}
	return &RoomCache{cache: expirable.NewLRU[string, policy.RoomFacts](maxSize, nil, ttl)}
}

// Get возвращает факты о комнате из кэша.
func (c *RoomCache) Get(roomID string) (policy.RoomFacts, bool) {
	if c == nil {
		return policy.RoomFacts{}, false
	}
	val, ok := c.cache.Get(roomID)
	if ok {
		roomCacheHitsTotal.Inc()
		return val, true
	}
	roomCacheMissesTotal.Inc()
	return policy.RoomFacts{}, false
}

// Set добавляет или обновляет запись.
func (c *RoomCache) Set(facts policy.RoomFacts) {
	if c == nil {
		return
	}
	c.cache.Add(facts.ID, facts)
}

// Invalidate удаляет комнату из кэша (архивация, очистка).
func (c *RoomCache) Invalidate(roomID string) {
	if c == nil {
		return
	}
	c.cache.Remove(roomID)
}
