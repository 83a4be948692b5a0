package registry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/systemshift/registry/internal/server/telemetry"
)

// Stage is a step of the registration pipeline
type Stage string

const (
	StageValidating       Stage = "validating"
	StageCheckAgentExists Stage = "check_agent_exists"
	StageGenerateID       Stage = "generate_id"
	StageWritePrimary     Stage = "write_primary"
	StageWriteVector      Stage = "write_vector"
	StageWriteGraph       Stage = "write_graph"
	StageDone             Stage = "done"
	StageRejected         Stage = "rejected"
	StageFailed           Stage = "failed"
)

// Terminal reports whether no further stage follows s
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageRejected || s == StageFailed
}

// run tracks one registration as it moves through the stages
type run struct {
	span   trace.Span
	logger *slog.Logger
	stage  Stage
}

// enter moves the run to s. A run that reached a terminal stage stays there.
func (r *run) enter(ctx context.Context, s Stage) {
	if r.stage.Terminal() {
		return
	}
	r.stage = s
	r.span.AddEvent(string(s), trace.WithAttributes(telemetry.AttrStage.String(string(s))))
	r.logger.DebugContext(ctx, "registration stage", "stage", string(s))
}
