// ABOUTME: Notification sink implementations for user-facing warnings and notices.
// ABOUTME: Fire-and-forget; the host editor substitutes its own dialog-backed sink.

package notify

import "log/slog"

// Notifier is the user-facing notification sink consumed by the task queue
// and agent manager.
type Notifier interface {
	ShowWarning(text string)
	ShowInformation(text string)
}

// LogNotifier routes notifications to structured logging. The default sink
// when no editor surface is attached.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed sink. Pass nil for the default logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// ShowWarning logs the text at warn level.
func (n *LogNotifier) ShowWarning(text string) {
	n.logger.Warn(text)
}

// ShowInformation logs the text at info level.
func (n *LogNotifier) ShowInformation(text string) {
	n.logger.Info(text)
}
