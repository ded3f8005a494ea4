// Package cache puts a Redis read-through layer in front of the user directory.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

const keyPrefix = "chat:user:"

// UserCache resolves users from Redis and falls back to the wrapped directory.
// Misses are not cached so newly created accounts become visible at once.
type UserCache struct {
	client *redis.Client
	next   repositories.UserDirectory
	ttl    time.Duration
}

func NewUserCache(client *redis.Client, next repositories.UserDirectory, ttl time.Duration) *UserCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &UserCache{client: client, next: next, ttl: ttl}
}

func (c *UserCache) Lookup(ctx context.Context, userID int) (models.User, error) {
	key := keyPrefix + strconv.Itoa(userID)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var user models.User
		if err := json.Unmarshal(data, &user); err == nil {
			return user, nil
		}
		log.Printf("user cache: dropping corrupt entry key=%s", key)
		if err := c.invalidate(ctx, userID); err != nil {
			log.Printf("user cache del error key=%s: %v", key, err)
		}
	case errors.Is(err, redis.Nil):
	default:
		log.Printf("user cache get error key=%s: %v", key, err)
	}

	user, err := c.next.Lookup(ctx, userID)
	if err != nil {
		return models.User{}, err
	}

	if data, err := json.Marshal(user); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Printf("user cache set error key=%s: %v", key, err)
		}
	}
	return user, nil
}

func (c *UserCache) invalidate(ctx context.Context, userID int) error {
	return c.client.Del(ctx, keyPrefix+strconv.Itoa(userID)).Err()
}

var _ repositories.UserDirectory = (*UserCache)(nil)
