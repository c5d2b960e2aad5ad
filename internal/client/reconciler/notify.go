package reconciler

import "log/slog"

// Level is the severity of a user-facing notification.
type Level int

const (
	LevelInfo Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "info"
}

// Notification is a toast-style message for the user.
type Notification struct {
	Level   Level
	Message string
}

// Notifier shows notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type logNotifier struct{}

func (logNotifier) Notify(n Notification) {
	if n.Level == LevelError {
		slog.Error(n.Message)
		return
	}
	slog.Info(n.Message)
}
