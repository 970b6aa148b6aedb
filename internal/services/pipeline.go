package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Pipeline is the evaluate-then-dispatch front door used by every event
// source (webhook receiver, email sync, scheduler).
type Pipeline struct {
	evaluator  *TriggerEvaluator
	dispatcher *Dispatcher
	logger     *logrus.Logger
	timeout    time.Duration
}

func NewPipeline(evaluator *TriggerEvaluator, dispatcher *Dispatcher, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		evaluator:  evaluator,
		dispatcher: dispatcher,
		logger:     logger,
		timeout:    30 * time.Second,
	}
}

// Submit evaluates the event and dispatches every candidate. Evaluation
// failures are logged and yield no outcomes; per-candidate failures are
// ordinary outcome values.
func (p *Pipeline) Submit(ctx context.Context, event TriggerEvent) []DispatchOutcome {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	cands, err := p.evaluator.Evaluate(ctx, event)
	if err != nil {
		p.logger.Errorf("pipeline: evaluate %s failed: %v", event.Type, err)
		return nil
	}
	if len(cands) == 0 {
		return nil
	}
	return p.dispatcher.DispatchAll(ctx, cands)
}
