package stage

import (
	"github.com/edgecam/medialib/internal/errs"
	"github.com/edgecam/medialib/internal/logging"
)

// Pipeline is a DAG of Stages, frozen after construction, started and
// stopped in order. Stages are expected to be registered source-first,
// downstream-last; Start and Stop both walk that same order, so a source is
// always stopped before the stages it feeds. Stopping a stage closes its
// input queues, which releases any frames still queued there unprocessed.
type Pipeline struct {
	name   string
	stages []*Stage
	log    *logging.Logger
}

// NewPipeline constructs an empty, named Pipeline.
func NewPipeline(name string) *Pipeline {
	return &Pipeline{name: name, log: logging.Default().Named("pipeline").Named(name)}
}

// AddStage registers a stage with the pipeline. The DAG itself (who
// publishes to whom) is wired separately via Stage.AddSubscriber before
// Start is ever called; the graph is frozen at that point.
func (p *Pipeline) AddStage(s *Stage) {
	p.stages = append(p.stages, s)
}

// Start starts every registered stage in registration order.
func (p *Pipeline) Start() error {
	for i, s := range p.stages {
		if err := s.Start(); err != nil {
			p.log.Warn("stage failed to start, stopping already-started stages", "stage", s.Name, "err", err)
			p.stopThrough(i - 1)
			return errs.Wrap("pipeline.Start", errs.Pipeline, err)
		}
	}
	return nil
}

// Stop stops every stage in registration order (sources first). It does
// not wait for downstream stages to work through what is already queued;
// each stage's Stop discards whatever is left in its input queues.
func (p *Pipeline) Stop() {
	p.stopThrough(len(p.stages) - 1)
}

func (p *Pipeline) stopThrough(lastIdx int) {
	for i := 0; i <= lastIdx && i < len(p.stages); i++ {
		p.stages[i].Stop()
	}
}

// Stages returns the pipeline's registered stages in registration order.
func (p *Pipeline) Stages() []*Stage {
	out := make([]*Stage, len(p.stages))
	copy(out, p.stages)
	return out
}
