package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// Publisher is the part of *nats.Conn the notification publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NotificationPublisher publishes approval events to NATS for the
// notifications service.
//
// Subject convention: notifications.expense.<event_type>, where event_type
// is expense_approval_required, expense_approved, expense_rejected or
// expense_changes_requested.
//
// Publishing is fire-and-forget: errors are logged and never returned, so a
// notification failure never affects an approval.
type NotificationPublisher struct {
	pub Publisher
	log *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	CompanyID    string                 `json:"company_id"`
	ActorID      string                 `json:"actor_id,omitempty"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil pub only logs.
func NewNotificationPublisher(pub Publisher, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{pub: pub, log: log.WithComponent("notification_publisher")}
}

// NotifyApprovalRequired tells the approvers of a level that they can act.
func (p *NotificationPublisher) NotifyApprovalRequired(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	level int,
	approverIDs []string,
	snap *repository.RequestSnapshot,
) {
	payload := requestPayload(inst, snap)
	payload["level"] = level

	p.publish(&NotificationEvent{
		EventType:    "expense_approval_required",
		CompanyID:    inst.CompanyID,
		ActorID:      inst.SubmitterID,
		Recipients:   approverIDs,
		ResourceType: "expense_report",
		ResourceID:   inst.RequestID,
		IsActionable: true,
		Severity:     "info",
		Category:     "expense_approval",
		Payload:      payload,
	})
}

// NotifyStatusChanged tells the submitter that the request was decided.
func (p *NotificationPublisher) NotifyStatusChanged(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	snap *repository.RequestSnapshot,
	status repository.Status,
	comments string,
) {
	var eventType, severity string
	switch status {
	case repository.StatusApproved:
		eventType, severity = "expense_approved", "success"
	case repository.StatusRejected:
		eventType, severity = "expense_rejected", "warning"
	case repository.StatusChangesRequested:
		eventType, severity = "expense_changes_requested", "warning"
	default:
		return
	}

	payload := requestPayload(inst, snap)
	payload["status"] = string(status)
	if comments != "" {
		payload["comments"] = comments
	}
	if inst.IsAutoApproved() {
		payload["auto_approved"] = true
	}

	p.publish(&NotificationEvent{
		EventType:    eventType,
		CompanyID:    inst.CompanyID,
		ActorID:      lastActor(inst),
		Recipients:   []string{inst.SubmitterID},
		ResourceType: "expense_report",
		ResourceID:   inst.RequestID,
		Severity:     severity,
		Category:     "expense_approval",
		Payload:      payload,
	})
}

func (p *NotificationPublisher) publish(event *NotificationEvent) {
	if len(event.Recipients) == 0 {
		return
	}
	subject := fmt.Sprintf("notifications.expense.%s", event.EventType)

	if p.pub == nil {
		p.log.Debug().Str("subject", subject).Str("request_id", event.ResourceID).Msg("notification: publisher disabled")
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	if err := p.pub.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", event.ResourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", event.ResourceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}

func requestPayload(inst *repository.ApprovalInstance, snap *repository.RequestSnapshot) map[string]interface{} {
	payload := map[string]interface{}{
		"instance_id":   inst.ID,
		"request_type":  inst.RequestType,
		"current_level": inst.CurrentLevel,
	}
	if snap != nil {
		payload["amount"] = snap.Amount.String()
		payload["currency"] = snap.Currency
		if snap.Category != "" {
			payload["category"] = snap.Category
		}
	}
	return payload
}

func lastActor(inst *repository.ApprovalInstance) string {
	for i := len(inst.History) - 1; i >= 0; i-- {
		if id := inst.History[i].ApproverID; id != "" {
			return id
		}
	}
	return ""
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string, log *logger.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
}
