package app

import (
	"context"

	"market-autopilot/internal/alerting"
)

// NotifyOptions describe a test notification.
type NotifyOptions struct {
	Severity string
	Title    string
	Body     string
	Category string
}

// Notify pushes one notification through the configured channels and waits for delivery.
func (a *App) Notify(ctx context.Context, opts NotifyOptions) error {
	sev, err := alerting.ParseSeverity(opts.Severity)
	if err != nil {
		return err
	}

	dispatcher := a.newDispatcher(nil)
	dispatcher.Send(alerting.Notification{
		Severity: sev,
		Title:    opts.Title,
		Body:     opts.Body,
		Category: opts.Category,
	})
	return dispatcher.Close(ctx)
}
