package service

import (
	"context"

	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
)

// Event describes one entry mutation for hooks and notifications.
type Event struct {
	Actor        string
	Action       RequestType
	Space        string
	Subpath      string
	Shortname    string
	ResourceType model.ResourceType

	// Owner is the mutated entry's owner, filled in after the mutation
	// succeeds so notifiers can reach the affected user.
	Owner string
}

// Dispatcher receives entry lifecycle callbacks. Dispatch failures are
// logged and never abort the triggering operation.
type Dispatcher interface {
	Before(ctx context.Context, event Event) error
	After(ctx context.Context, event Event) error
}

// LoggingDispatcher is the default Dispatcher: it logs events at debug.
type LoggingDispatcher struct {
	Logger *observability.Logger
}

func (d *LoggingDispatcher) Before(_ context.Context, event Event) error {
	d.log(event, "before")
	return nil
}

func (d *LoggingDispatcher) After(_ context.Context, event Event) error {
	d.log(event, "after")
	return nil
}

func (d *LoggingDispatcher) log(event Event, phase string) {
	if d.Logger == nil {
		return
	}
	d.Logger.WithFields(map[string]interface{}{
		"phase":  phase,
		"action": string(event.Action),
		"actor":  event.Actor,
	}).WithEntry(event.Space, event.Subpath, event.Shortname).Debug("entry hook")
}

// Notifier delivers mutation notifications (email, SMS, webhooks). Delivery
// is fire-and-forget; failures are logged, never surfaced.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier is the default Notifier: it logs instead of delivering.
type LogNotifier struct {
	Logger *observability.Logger
}

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	if n.Logger != nil {
		n.Logger.WithFields(map[string]interface{}{
			"action": string(event.Action),
			"actor":  event.Actor,
		}).WithEntry(event.Space, event.Subpath, event.Shortname).Info("entry notification")
	}
	return nil
}
