package fingerprint

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ipsix/fleetaudit/internal/logging"
)

// SystemFacts is the raw fact mapping of one system and where it came from.
type SystemFacts struct {
	Name   string
	Source SourceRef
	Facts  Facts
}

type Fingerprint struct {
	Index    int       `json:"index"`
	Name     string    `json:"name"`
	SourceID string    `json:"source_id"`
	Products []Product `json:"products"`
}

type Engine struct {
	classifiers []*Classifier
	workers     int
	logger      *logging.Logger
}

func NewEngine(classifiers []*Classifier, workers int, logger *logging.Logger) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{classifiers: classifiers, workers: workers, logger: logger}
}

// Run classifies every system with every classifier. Output order matches
// input order. It only fails when ctx is done.
func (e *Engine) Run(ctx context.Context, systems []SystemFacts) ([]Fingerprint, error) {
	out := make([]Fingerprint, len(systems))
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, system := range systems {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = e.fingerprint(i, system)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fingerprint systems: %w", err)
	}

	if e.logger != nil {
		e.logger.Debug("fingerprint completed",
			logging.Field{Key: "systems", Value: len(systems)},
			logging.Field{Key: "classifiers", Value: len(e.classifiers)},
			logging.Field{Key: "duration", Value: time.Since(started).String()},
		)
	}
	return out, nil
}

func (e *Engine) fingerprint(index int, system SystemFacts) Fingerprint {
	facts := system.Facts
	if facts == nil {
		facts = Facts{}
	}
	fp := Fingerprint{
		Index:    index,
		Name:     system.Name,
		SourceID: system.Source.ID,
		Products: make([]Product, 0, len(e.classifiers)),
	}
	for _, c := range e.classifiers {
		fp.Products = append(fp.Products, c.Classify(system.Source, facts))
	}
	return fp
}
