package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

var (
	ErrRedisNotEnabled = errors.New("redis store not enabled")
	ErrAppsNotFound    = errors.New("apps not found in redis")
)

// RedisStore loads apps from Redis.
// IMPORTANT: the dispatcher is READ-ONLY. All writes are done by external admin tools.
//
// Layout:
//
//	<prefix>apps            SET  of app names
//	<prefix>app:<name>      HASH ports="80,443" targets="10.0.0.2:80,10.0.0.3:80"
//	<prefix>config:changed  pub/sub channel, any message triggers a reload
type RedisStore struct {
	client  *redis.Client
	prefix  string
	pubsub  *redis.PubSub
	updates chan ConfigUpdate
}

// ConfigUpdate represents a configuration change notification from Redis pub/sub
type ConfigUpdate struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewRedisStore creates a new Redis app store (READ-ONLY)
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := &RedisStore{
		client:  client,
		prefix:  cfg.KeyPrefix,
		updates: make(chan ConfigUpdate, 10),
	}

	// Subscribe to configuration changes (for hot-reload)
	store.pubsub = client.Subscribe(ctx, store.prefix+"config:changed")
	go store.listenUpdates()

	xlog.Infof("Redis app store initialized (READ-ONLY): addr=%s, prefix=%s", cfg.Addr, cfg.KeyPrefix)
	return store, nil
}

// listenUpdates forwards pub/sub messages; the channel closes with the store
func (r *RedisStore) listenUpdates() {
	defer close(r.updates)

	for msg := range r.pubsub.Channel() {
		update := ConfigUpdate{Type: "apps"}
		if msg.Payload != "" {
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				xlog.Debugf("Non-JSON config notification %q, reloading anyway", msg.Payload)
				update = ConfigUpdate{Type: "apps"}
			}
		}
		select {
		case r.updates <- update:
			xlog.Infof("Received config update: type=%s", update.Type)
		default:
			xlog.Warnf("Config update channel full, dropping update")
		}
	}
}

// Updates returns a channel for receiving configuration updates
func (r *RedisStore) Updates() <-chan ConfigUpdate {
	if r == nil {
		return nil
	}
	return r.updates
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	if r == nil {
		return nil
	}
	if r.pubsub != nil {
		r.pubsub.Close()
	}
	return r.client.Close()
}

// CheckHealth checks if Redis connection is healthy
func (r *RedisStore) CheckHealth(ctx context.Context) error {
	if r == nil {
		return ErrRedisNotEnabled
	}
	return r.client.Ping(ctx).Err()
}

// LoadApps reads the full app set from Redis.
func (r *RedisStore) LoadApps(ctx context.Context) (*AppSet, error) {
	if r == nil {
		return nil, ErrRedisNotEnabled
	}

	names, err := r.client.SMembers(ctx, r.prefix+"apps").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	if len(names) == 0 {
		return nil, ErrAppsNotFound
	}
	sort.Strings(names)

	set := &AppSet{}
	for _, name := range names {
		fields, err := r.client.HGetAll(ctx, r.prefix+"app:"+name).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load app %q: %w", name, err)
		}
		app, err := appFromHash(name, fields)
		if err != nil {
			return nil, err
		}
		set.Apps = append(set.Apps, app)
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// appFromHash decodes the HASH stored under <prefix>app:<name>.
func appFromHash(name string, fields map[string]string) (App, error) {
	app := App{Name: name}
	if len(fields) == 0 {
		return app, fmt.Errorf("app %q: %w", name, ErrAppsNotFound)
	}
	for _, p := range splitList(fields["ports"]) {
		port, err := strconv.Atoi(p)
		if err != nil {
			return app, fmt.Errorf("app %q: invalid port %q", name, p)
		}
		app.Ports = append(app.Ports, port)
	}
	app.Targets = splitList(fields["targets"])
	return app, nil
}
