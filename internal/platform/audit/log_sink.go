package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes events to the structured log as type=audit.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, e Event) error {
	evt := s.logger.Info().
		Str("type", "audit").
		Str("event_id", e.ID.String()).
		Str("action", e.Action).
		Str("detail", e.Detail).
		Time("created_at", e.CreatedAt)
	if e.ActorID != nil {
		evt = evt.Str("actor_id", e.ActorID.String())
	}
	evt.Msg("audit")
	return nil
}
