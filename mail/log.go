package mail

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogSender records messages in the log instead of delivering them. It is
// meant for development; message bodies are logged only at debug level.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender returns a [LogSender].
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send implements [Sender].
func (s *LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	id := uuid.NewString()
	s.logger.Info().
		Str("message_id", id).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Msg("mail (log sender)")
	s.logger.Debug().Str("message_id", id).Str("text", msg.Text).Msg("mail body")
	return Receipt{ID: id, Provider: "log"}, nil
}
