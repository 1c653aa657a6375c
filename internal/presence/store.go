// Package presence tracks user online status per organization, backed by
// Redis. Entries carry a TTL so a crashed client drops to offline without an
// explicit update:
//
//	Key:   presence:<organization_id>:<user_id>
//	Value: online | away
//	TTL:   PresenceTTL
//
// Offline is represented by key absence.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsedesk/support-app/internal/event"
	"github.com/pulsedesk/support-app/internal/fanout"
)

const (
	// KeyPrefix is the Redis key prefix for presence entries.
	KeyPrefix = "presence:"

	// PresenceTTL is how long a presence entry survives without a refresh.
	PresenceTTL = 90 * time.Second

	// Status values.
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Store manages presence state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient creates a presence store on an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(organizationID, userID string) string {
	return KeyPrefix + organizationID + ":" + userID
}

// Set records the user's status with a fresh TTL. Setting offline deletes
// the entry.
func (s *Store) Set(ctx context.Context, organizationID, userID, status string) error {
	if status == StatusOffline {
		return s.client.Del(ctx, key(organizationID, userID)).Err()
	}
	return s.client.Set(ctx, key(organizationID, userID), status, PresenceTTL).Err()
}

// Get returns the user's current status. A missing entry is offline.
func (s *Store) Get(ctx context.Context, organizationID, userID string) (string, error) {
	status, err := s.client.Get(ctx, key(organizationID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("presence: get %s/%s: %w", organizationID, userID, err)
	}
	return status, nil
}

// Online returns every non-offline user in the organization, keyed by user
// ID.
func (s *Store) Online(ctx context.Context, organizationID string) (map[string]string, error) {
	prefix := KeyPrefix + organizationID + ":"
	result := make(map[string]string)

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		status, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("presence: scan get %s: %w", k, err)
		}
		result[strings.TrimPrefix(k, prefix)] = status
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence: scan org %s: %w", organizationID, err)
	}
	return result, nil
}

// Attach subscribes the store to presence_update events on the registry and
// returns the unsubscribe closure. Write failures are logged; presence is
// best-effort state.
func (s *Store) Attach(registry *fanout.Registry) func() {
	return registry.Subscribe(fanout.Handlers{
		event.KindPresenceUpdate: func(ev event.Event) {
			var p event.PresenceUpdate
			if err := ev.Decode(&p); err != nil {
				log.Printf("[presence] decode presence_update: %v", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.Set(ctx, p.OrganizationID, p.UserID, p.Status); err != nil {
				log.Printf("[presence] set %s/%s=%s: %v", p.OrganizationID, p.UserID, p.Status, err)
			}
		},
	})
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
