package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/invgrid/sitesync/internal/models"
)

const sitePresencePrefix = "site_presence:"

// RedisPresenceStore keeps the short-lived liveness entry per connected
// site. The TTL matches the connection-status window, so an expired key is
// exactly an Unreachable/Disconnected site.
type RedisPresenceStore struct {
	client *redis.Client
}

func NewRedisPresenceStore(client *redis.Client) *RedisPresenceStore {
	return &RedisPresenceStore{client: client}
}

func (r *RedisPresenceStore) SetPresence(ctx context.Context, presence *models.SitePresence, ttl time.Duration) error {
	presence.LastSeen = time.Now().UTC()

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	if err := r.client.Set(ctx, sitePresencePrefix+presence.SiteID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceStore) GetPresence(ctx context.Context, siteID string) (*models.SitePresence, error) {
	data, err := r.client.Get(ctx, sitePresencePrefix+siteID).Result()
	if err == redis.Nil {
		// No presence entry means the site has not checked in recently.
		return &models.SitePresence{SiteID: siteID, Status: models.SiteDisconnected}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.SitePresence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &presence, nil
}
