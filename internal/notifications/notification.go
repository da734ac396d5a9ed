// Package notifications tells operators about failover transitions and
// alert thresholds.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/felipepmaragno/model-router/internal/failover"
)

type NotificationType string

const (
	NotificationFailoverActivated     NotificationType = "failover_activated"
	NotificationFailoverRecovered     NotificationType = "failover_recovered"
	NotificationFailoverMisconfigured NotificationType = "failover_misconfigured"
	NotificationCacheMissAlert        NotificationType = "cache_miss_alert"
	NotificationUpstreamErrorAlert    NotificationType = "upstream_error_alert"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Severity ranks the type for paging rules. Recovery is informational; a
// failover costs money until it recovers.
func (t NotificationType) Severity() Severity {
	switch t {
	case NotificationFailoverActivated, NotificationFailoverMisconfigured:
		return SeverityCritical
	case NotificationCacheMissAlert, NotificationUpstreamErrorAlert:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

type Notification struct {
	Type    NotificationType `json:"type"`
	Alias   string           `json:"alias,omitempty"`
	Message string           `json:"message"`
	Data    map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// FromEvent converts a failover transition into a notification.
func FromEvent(ev failover.Event) Notification {
	data := map[string]any{
		"reason":        ev.Reason,
		"status":        ev.State.Status.String(),
		"trigger_count": ev.State.TriggerCount,
		"at":            ev.At,
	}
	if ev.Binding != "" {
		data["binding"] = ev.Binding
	}

	var msg string
	switch ev.Type {
	case failover.EventActivated:
		msg = fmt.Sprintf("alias %s failed over after an estimated cache-miss loss of $%.2f", ev.Alias, ev.LossUSD)
		data["loss_usd"] = ev.LossUSD
		data["recovery_deadline"] = ev.State.RecoveryDeadline
	case failover.EventRecovered:
		msg = fmt.Sprintf("alias %s recovered to its primary binding (%s)", ev.Alias, ev.Reason)
	case failover.EventMisconfigured:
		msg = fmt.Sprintf("alias %s needed failover but has no failover binding", ev.Alias)
	default:
		msg = string(ev.Type)
	}

	return Notification{
		Type:    NotificationType(ev.Type),
		Alias:   ev.Alias,
		Message: msg,
		Data:    data,
	}
}

// InMemoryNotifier records notifications instead of sending them. It is
// the notifier when no SNS topic is configured.
type InMemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, notification)
	n.mu.Unlock()

	slog.Log(ctx, logLevel(notification.Type.Severity()), "notification",
		"type", notification.Type,
		"alias", notification.Alias,
		"message", notification.Message,
	)
	return nil
}

// Sent returns a copy of everything sent so far.
func (n *InMemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

func logLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
