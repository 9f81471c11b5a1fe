package report

import (
	"context"

	"github.com/ipsix/fleetaudit/internal/logging"
)

type LogChannel struct {
	logger *logging.Logger
}

func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, report *InspectionReport) error {
	l.logger.Info("inspection report",
		logging.Field{Key: "report_id", Value: report.ID},
		logging.Field{Key: "digest", Value: report.Digest},
		logging.Field{Key: "systems", Value: len(report.Systems)},
		logging.Field{Key: "summary", Value: report.Summary()},
	)
	return nil
}
