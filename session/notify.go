package session

import "go.uber.org/zap"

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier presents transient notifications (toasts) to the user.
type Notifier interface {
	Notify(title, message string, level Level)
}

type logNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier reports notifications through the logger.
func NewLogNotifier(logger *zap.Logger) Notifier {
	return logNotifier{logger: logger.With(zap.String("component", "notify"))}
}

func (n logNotifier) Notify(title, message string, level Level) {
	fields := []zap.Field{zap.String("title", title), zap.String("message", message)}
	switch level {
	case LevelError:
		n.logger.Error("notification", fields...)
	case LevelWarning:
		n.logger.Warn("notification", fields...)
	default:
		n.logger.Info("notification", fields...)
	}
}
