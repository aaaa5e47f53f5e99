package database

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// Cache key prefixes
	CacheKeySettings        = "recordtransfer:settings"
	CacheKeyExtensionGroups = "recordtransfer:extensions:groups"
	CacheKeySubmissionStats = "recordtransfer:submissions:stats"

	// Cache TTLs
	CacheTTLSettings        = 5 * time.Minute
	CacheTTLExtensionGroups = 10 * time.Minute
	CacheTTLSubmissionStats = 1 * time.Minute
)

// CacheGet retrieves a value from Redis cache and unmarshals it into dest
func CacheGet(key string, dest interface{}) error {
	ctx := context.Background()
	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// CacheSet stores a value in Redis cache with TTL
func CacheSet(key string, value interface{}, ttl time.Duration) error {
	ctx := context.Background()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(ctx, key, data, ttl).Err()
}

// CacheDelete removes a key from Redis cache
func CacheDelete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Del(ctx, keys...).Err()
}

// InvalidateSettingsCache clears settings cache
func InvalidateSettingsCache() {
	CacheDelete(CacheKeySettings)
}

// InvalidateExtensionGroupsCache clears the accepted-extension group cache
func InvalidateExtensionGroupsCache() {
	CacheDelete(CacheKeyExtensionGroups)
}

// InvalidateSubmissionStatsCache clears the submission stats cache
func InvalidateSubmissionStatsCache() {
	CacheDelete(CacheKeySubmissionStats)
}

// SubmissionStats returns submission counts grouped by review status,
// cached briefly so the staff dashboard does not hammer the database.
func SubmissionStats() (map[string]int64, error) {
	stats := make(map[string]int64)
	if err := CacheGet(CacheKeySubmissionStats, &stats); err == nil {
		return stats, nil
	}

	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := DB.Table("submissions").
		Select("status, count(*) as count").
		Where("deleted_at IS NULL").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats[r.Status] = r.Count
	}

	CacheSet(CacheKeySubmissionStats, stats, CacheTTLSubmissionStats)
	return stats, nil
}

const cacheKeyTokenBlacklist = "recordtransfer:token:blacklist:"

// BlacklistToken marks a JWT as revoked until its natural expiry
func BlacklistToken(token string, ttl time.Duration) error {
	ctx := context.Background()
	return Redis.Set(ctx, cacheKeyTokenBlacklist+token, "1", ttl).Err()
}

// IsTokenBlacklisted returns true if the token has been revoked (logout)
func IsTokenBlacklisted(token string) bool {
	ctx := context.Background()
	exists, err := Redis.Exists(ctx, cacheKeyTokenBlacklist+token).Result()
	return err == nil && exists > 0
}
