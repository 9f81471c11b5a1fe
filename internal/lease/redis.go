package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis shares leases between daemons through one Redis server.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis and verifies it answers PING.
func Connect(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{
		Key:   key,
		Token: token,
		release: func(ctx context.Context) error {
			if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
				return fmt.Errorf("release lease %s: %w", key, err)
			}
			return nil
		},
	}, nil
}
