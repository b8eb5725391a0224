package consumer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// RunLogHandler appends every consumed summary to the sync run audit log.
type RunLogHandler struct {
	runs domain.RunLog
}

// NewRunLogHandler constructs a handler backed by runs.
func NewRunLogHandler(runs domain.RunLog) *RunLogHandler {
	return &RunLogHandler{runs: runs}
}

// Handle stores the summary with its topic coordinates so replays are
// idempotent on (topic, partition, offset).
func (h *RunLogHandler) Handle(ctx context.Context, msg Message) error {
	run := msg.Event.Run()
	run.Topic = msg.Topic
	run.Partition = msg.Partition
	run.Offset = msg.Offset
	if run.OccurredAt.IsZero() {
		run.OccurredAt = msg.Timestamp
	}
	return errors.Wrap(h.runs.AppendRun(ctx, run), "append sync run")
}
