package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/ipsix/fleetaudit/internal/facts"
	"github.com/ipsix/fleetaudit/internal/fingerprint"
	"github.com/ipsix/fleetaudit/internal/logging"
	"github.com/ipsix/fleetaudit/internal/report"
)

// Processor turns fact collections into dispatched inspection reports.
type Processor struct {
	engine     *fingerprint.Engine
	dispatcher *report.Dispatcher
	logger     *logging.Logger
	now        func() time.Time
}

// NewProcessor accepts a nil dispatcher; reports are then built but not sent.
func NewProcessor(engine *fingerprint.Engine, dispatcher *report.Dispatcher, logger *logging.Logger) *Processor {
	return &Processor{engine: engine, dispatcher: dispatcher, logger: logger, now: time.Now}
}

func (p *Processor) Inspect(ctx context.Context, collection *facts.Collection) (*report.InspectionReport, error) {
	fingerprints, err := p.engine.Run(ctx, collection.Systems())
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	return report.Build(fingerprints, p.now())
}

// HandleFile is a Handler for Watcher.
func (p *Processor) HandleFile(ctx context.Context, path string) error {
	collection, err := facts.Load(path)
	if err != nil {
		return err
	}
	rep, err := p.Inspect(ctx, collection)
	if err != nil {
		return err
	}
	delivered := 0
	if p.dispatcher != nil {
		delivered = p.dispatcher.Dispatch(ctx, rep)
	}
	p.logger.Info("inspection report built",
		logging.Field{Key: "file", Value: path},
		logging.Field{Key: "report_id", Value: rep.ID},
		logging.Field{Key: "systems", Value: len(rep.Systems)},
		logging.Field{Key: "delivered", Value: delivered},
	)
	return nil
}
