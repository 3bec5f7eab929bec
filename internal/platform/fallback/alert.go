package fallback

import (
	"context"

	"github.com/rs/zerolog"
)

// AlertLevel is the severity of a queue depth alert.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	default:
		return "none"
	}
}

// Alerter notifies operators about fallback queue pressure.
type Alerter interface {
	Alert(ctx context.Context, level AlertLevel, depth int64, msg string)
}

// LogAlerter reports alerts through the structured logger.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "fallback-alert").Logger()}
}

func (a *LogAlerter) Alert(_ context.Context, level AlertLevel, depth int64, msg string) {
	ev := a.logger.Warn()
	if level >= AlertCritical {
		ev = a.logger.Error()
	}
	ev.Str("alert_level", level.String()).Int64("queue_depth", depth).Msg(msg)
}
