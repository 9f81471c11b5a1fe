package storage

import (
	"context"
	"errors"

	"github.com/ipsix/fleetaudit/internal/inventory"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, error)
	// PutIfAbsent stores value unless key exists, atomically. It returns the
	// value now stored under key and whether this call created it.
	PutIfAbsent(bucket, key string, value []byte) ([]byte, bool, error)
	ForEach(bucket string, fn func(key, value []byte) error) error
	ForEachPrefix(bucket, prefix string, fn func(key, value []byte) error) error
	Delete(bucket, key string) error
	// DeletePrefix removes every key in bucket starting with prefix in a single
	// transaction and returns the number removed.
	DeletePrefix(bucket, prefix string) (int, error)
	Close() error
}

// ConnectionResultStore persists connection results and their systems. At most
// one result exists per (job, source); GetOrCreate must hold under concurrent
// callers.
type ConnectionResultStore interface {
	GetOrCreate(ctx context.Context, jobID, sourceID, taskID string) (*inventory.ConnectionResult, error)
	ClearSystems(ctx context.Context, resultID string) error
	AppendSystem(ctx context.Context, resultID string, host inventory.HostDescriptor) error
	Systems(ctx context.Context, resultID string) ([]inventory.System, error)
	Results(ctx context.Context, jobID string) ([]inventory.ConnectionResult, error)
}
