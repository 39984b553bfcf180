package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"relaycore/internal/domain"
	"relaycore/internal/infra/tracer"
)

// ProcessBatch runs every request concurrently, at most BatchConcurrency at
// a time. Item failures are reported per item; only an empty or oversized
// batch fails as a whole.
func (o *Orchestrator) ProcessBatch(ctx context.Context, reqs []domain.Request) (*domain.BatchResult, error) {
	if len(reqs) == 0 || len(reqs) > o.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d requests, allowed 1..%d", domain.ErrBatchTooLarge, len(reqs), o.cfg.MaxBatchSize)
	}
	ctx, span := tracer.StartSpan(ctx, "orchestrator.process_batch",
		trace.WithAttributes(tracer.IntAttr("relaycore.batch_size", len(reqs))),
	)
	defer span.End()

	items := make([]domain.BatchItem, len(reqs))
	var g errgroup.Group
	g.SetLimit(max(o.cfg.BatchConcurrency, 1))
	for i, req := range reqs {
		g.Go(func() error {
			items[i] = domain.BatchItem{RequestID: req.ID}
			resp, err := o.ProcessRequest(ctx, req)
			if err != nil {
				f := domain.NewFailure(req.ID, err)
				items[i].Failure = &f
				return nil
			}
			items[i].Response = resp
			return nil
		})
	}
	_ = g.Wait()

	res := &domain.BatchResult{Items: items}
	for _, it := range items {
		if it.Failure != nil {
			res.Failed++
		} else {
			res.Succeeded++
		}
	}
	span.SetAttributes(
		tracer.IntAttr("relaycore.batch_succeeded", res.Succeeded),
		tracer.IntAttr("relaycore.batch_failed", res.Failed),
	)
	tracer.SetOK(span)
	return res, nil
}
