package report

import (
	"context"
	"sync"
	"time"

	"github.com/ipsix/fleetaudit/internal/logging"
)

type Channel interface {
	Name() string
	Send(ctx context.Context, report *InspectionReport) error
}

// Dispatcher fans reports out to channels, suppressing a report whose digest
// was already delivered within the dedup window.
type Dispatcher struct {
	logger   *logging.Logger
	channels []Channel
	window   time.Duration
	now      func() time.Time
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewDispatcher(logger *logging.Logger, window time.Duration) *Dispatcher {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Dispatcher{
		logger:   logger,
		window:   window,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

func (d *Dispatcher) Register(channel Channel) {
	d.channels = append(d.channels, channel)
}

// Dispatch returns the number of channels that accepted the report.
func (d *Dispatcher) Dispatch(ctx context.Context, report *InspectionReport) int {
	if d.isDuplicate(report.Digest) {
		d.logger.Info("report suppressed as duplicate",
			logging.Field{Key: "report_id", Value: report.ID},
			logging.Field{Key: "digest", Value: report.Digest},
		)
		return 0
	}

	delivered := 0
	for _, ch := range d.channels {
		if err := ch.Send(ctx, report); err != nil {
			d.logger.Error("report delivery failed",
				logging.Field{Key: "channel", Value: ch.Name()},
				logging.Field{Key: "report_id", Value: report.ID},
				logging.Err(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

func (d *Dispatcher) isDuplicate(digest string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for key, seen := range d.lastSeen {
		if now.Sub(seen) >= d.window {
			delete(d.lastSeen, key)
		}
	}
	if _, ok := d.lastSeen[digest]; ok {
		return true
	}
	d.lastSeen[digest] = now
	return false
}
