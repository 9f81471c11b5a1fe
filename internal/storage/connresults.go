package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ipsix/fleetaudit/internal/inventory"
)

const (
	connResultsBucket = "connection_results"
	systemsBucket     = "systems"
)

// ConnectionResults implements ConnectionResultStore on top of any Store.
// Results are keyed by job/source so PutIfAbsent gives the one-row rule.
// Systems are keyed by result/<time-ordered id>: every appended host gets its
// own row, listed in append order, and a reset is a single prefix delete.
type ConnectionResults struct {
	store Store
}

func NewConnectionResults(store Store) *ConnectionResults {
	return &ConnectionResults{store: store}
}

func (c *ConnectionResults) GetOrCreate(ctx context.Context, jobID, sourceID, taskID string) (*inventory.ConnectionResult, error) {
	if jobID == "" || sourceID == "" {
		return nil, fmt.Errorf("job id and source id are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidate := inventory.ConnectionResult{
		ID:        uuid.NewString(),
		JobID:     jobID,
		SourceID:  sourceID,
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("encode connection result: %w", err)
	}
	stored, _, err := c.store.PutIfAbsent(connResultsBucket, resultKey(jobID, sourceID), raw)
	if err != nil {
		return nil, fmt.Errorf("get or create connection result: %w", err)
	}
	var result inventory.ConnectionResult
	if err := json.Unmarshal(stored, &result); err != nil {
		return nil, fmt.Errorf("decode connection result: %w", err)
	}
	return &result, nil
}

func (c *ConnectionResults) ClearSystems(ctx context.Context, resultID string) error {
	if resultID == "" {
		return fmt.Errorf("result id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.store.DeletePrefix(systemsBucket, resultID+"/"); err != nil {
		return fmt.Errorf("clear systems: %w", err)
	}
	return nil
}

func (c *ConnectionResults) AppendSystem(ctx context.Context, resultID string, host inventory.HostDescriptor) error {
	if resultID == "" {
		return fmt.Errorf("result id is required")
	}
	sys := inventory.SystemFromHost(host)
	if sys.Name == "" {
		sys.Name = sys.HostID
	}
	if sys.Name == "" {
		return fmt.Errorf("host name or id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(sys)
	if err != nil {
		return fmt.Errorf("encode system: %w", err)
	}
	seq, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("system key: %w", err)
	}
	return c.store.Put(systemsBucket, resultID+"/"+seq.String(), raw)
}

func (c *ConnectionResults) Systems(ctx context.Context, resultID string) ([]inventory.System, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	systems := []inventory.System{}
	err := c.store.ForEachPrefix(systemsBucket, resultID+"/", func(_, value []byte) error {
		var sys inventory.System
		if err := json.Unmarshal(value, &sys); err != nil {
			return fmt.Errorf("decode system: %w", err)
		}
		systems = append(systems, sys)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return systems, nil
}

func (c *ConnectionResults) Results(ctx context.Context, jobID string) ([]inventory.ConnectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := []inventory.ConnectionResult{}
	err := c.store.ForEachPrefix(connResultsBucket, url.PathEscape(jobID)+"/", func(_, value []byte) error {
		var res inventory.ConnectionResult
		if err := json.Unmarshal(value, &res); err != nil {
			return fmt.Errorf("decode connection result: %w", err)
		}
		results = append(results, res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range results {
		systems, err := c.Systems(ctx, results[i].ID)
		if err != nil {
			return nil, err
		}
		results[i].Systems = systems
	}
	return results, nil
}

// resultKey escapes both parts so a "/" inside an id cannot make two pairs
// share a key or leak into another job's prefix.
func resultKey(jobID, sourceID string) string {
	return url.PathEscape(jobID) + "/" + url.PathEscape(sourceID)
}
