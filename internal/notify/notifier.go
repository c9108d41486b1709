// Package notify delivers task outcome notifications to external channels.
package notify

import (
	"context"
	"fmt"

	"imapsyncd/internal/core"
)

// Notifier delivers a titled message to one channel.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a message out to several notifiers, returning the
// first error after attempting all of them.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var firstErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoOpNotifier does nothing; the default when no channel is configured.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// TaskMessage formats the notification for one finished sync sequence.
func TaskMessage(view core.TaskView) (title, body string) {
	switch view.Status {
	case core.TaskStatusFailed:
		title = fmt.Sprintf("Sync failed: %s", view.ProjectName)
	case core.TaskStatusStopped:
		title = fmt.Sprintf("Sync stopped: %s", view.ProjectName)
	default:
		title = fmt.Sprintf("Sync completed: %s", view.ProjectName)
	}
	body = fmt.Sprintf("task %s finished with status %s (%d accounts, %d log lines)",
		view.ID, view.Status, len(view.Accounts), len(view.Logs))
	return title, body
}
