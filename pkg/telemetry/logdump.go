package telemetry

import (
	"context"

	"github.com/itohio/icumon/pkg/controller"
	"go.uber.org/zap"
)

// LogDump writes one human-readable telemetry line per snapshot.
type LogDump struct {
	log *zap.Logger
}

var _ controller.Publisher = (*LogDump)(nil)

// NewLogDump creates a log publisher. log may be nil.
func NewLogDump(log *zap.Logger) *LogDump {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogDump{log: log.Named("telemetry")}
}

// Publish logs s. Serious states are logged as warnings.
func (d *LogDump) Publish(_ context.Context, s controller.Snapshot) error {
	msg := s.Summary()
	fields := []zap.Field{zap.Uint64("cycle", s.Cycle), zap.Stringer("state", s.State)}
	if s.Alarm {
		d.log.Warn(msg, fields...)
		return nil
	}
	d.log.Info(msg, fields...)
	return nil
}
