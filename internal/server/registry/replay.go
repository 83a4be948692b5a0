package registry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/server/telemetry"
)

// Replay re-executes the secondary write item describes. Vector upserts and
// graph merges are idempotent, so replaying an item that already landed is
// harmless.
func (o *Orchestrator) Replay(ctx context.Context, item core.RetryItem) error {
	ctx, span := o.tracer.Start(ctx, "registry.replay", trace.WithAttributes(
		telemetry.AttrRecordID.String(item.Record.ID),
		telemetry.AttrTarget.String(item.Target),
	))
	defer span.End()

	rec := item.Record
	if rec.ID == "" {
		return fmt.Errorf("%w: retry item %s has no record id", core.ErrInvalidArgument, item.ID)
	}
	if rec.Kind == "" {
		if k, ok := core.KindForCollection(item.Collection); ok {
			rec.Kind = k
		}
	}
	if rec.Kind != core.KindAgent && rec.Kind != core.KindTask {
		return fmt.Errorf("%w: retry item %s has unknown kind %q (collection %q)",
			core.ErrInvalidArgument, item.ID, rec.Kind, item.Collection)
	}

	var err error
	switch item.Target {
	case core.TargetVector, "":
		err = o.writeVector(ctx, &rec)
	case core.TargetGraph:
		if rec.Kind == core.KindTask && rec.AgentID == "" {
			err = fmt.Errorf("%w: task %s has no agent_id", core.ErrInvalidArgument, rec.ID)
			break
		}
		err = o.writeGraph(ctx, &rec)
	default:
		err = fmt.Errorf("%w: unknown retry target %q", core.ErrInvalidArgument, item.Target)
	}

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.metrics.RetryReplayed.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrTarget.String(item.Target),
		telemetry.AttrOutcome.String(outcome),
	))
	return err
}
