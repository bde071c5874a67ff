// Package notification delivers trade alerts to external channels (Telegram,
// generic webhooks). The Dispatcher wraps the in-process event fan-out and
// mirrors trade and error events to the configured channels.
package notification

import (
	"context"
	"log"
	"time"

	"squeezebotv1/internal/model"
)

// AlertLevel is the severity of an outbound alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertTrade    AlertLevel = "TRADE"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one message for an external channel.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is a single delivery backend.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

const sendTimeout = 10 * time.Second

// Dispatcher forwards every event to the wrapped broadcaster and mirrors
// trade and error log entries to the notifiers. Delivery is asynchronous;
// a failing channel never blocks the pipeline.
type Dispatcher struct {
	next      model.Broadcaster
	notifiers []Notifier
}

// NewDispatcher wraps next with alert delivery. With no notifiers it is a
// transparent passthrough.
func NewDispatcher(next model.Broadcaster, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{next: next, notifiers: notifiers}
}

// Broadcast implements model.Broadcaster.
func (d *Dispatcher) Broadcast(ev model.Event) {
	if d.next != nil {
		d.next.Broadcast(ev)
	}
	if len(d.notifiers) == 0 {
		return
	}

	alert, ok := alertFromEvent(ev)
	if !ok {
		return
	}
	for _, n := range d.notifiers {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := n.Send(ctx, alert); err != nil {
				log.Printf("[notify] delivery failed: %v", err)
			}
		}(n)
	}
}

// alertFromEvent picks the events worth pushing to a phone: trade entries,
// exits, and errors. Routine scanner chatter stays on the dashboard.
func alertFromEvent(ev model.Event) (Alert, bool) {
	if ev.Type != model.EventLogEntry {
		return Alert{}, false
	}
	p, ok := ev.Payload.(model.LogPayload)
	if !ok {
		return Alert{}, false
	}

	switch p.Level {
	case "TRADE":
		return Alert{Level: AlertTrade, Title: "Trade", Message: p.Message}, true
	case "ERROR":
		return Alert{Level: AlertCritical, Title: "Error", Message: p.Message}, true
	}
	return Alert{}, false
}

var _ model.Broadcaster = (*Dispatcher)(nil)
