package events

// Platform event kinds. Services publish only kinds from this table;
// unknown kinds are rejected by the registry.
const (
	KindRequestCreated       = "request.created"
	KindRequestAssigned      = "request.assigned"
	KindRequestStatusChanged = "request.status_changed"
	KindRequestCompleted     = "request.completed"
	KindRequestCancelled     = "request.cancelled"
	KindAuthLoginFailed      = "auth.login_failed"
	KindAuthAccountLocked    = "auth.account_locked"
	KindAuthServiceDenied    = "auth.service_denied"
	KindWebhookReceived      = "webhook.received"
	KindNotificationSent     = "notification.sent"
	KindMediaUploaded        = "media.uploaded"
)

// StandardRegistry returns a Registry preloaded with the platform kinds.
func StandardRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(
		Definition{Kind: KindRequestCreated, Version: 1, Fields: []Field{
			{Name: "request_number", Type: "string", Required: true},
			{Name: "applicant_id", Type: "string", Required: true},
			{Name: "category", Type: "string", Required: true},
			{Name: "urgency", Type: "integer", Required: true},
			{Name: "address", Type: "string"},
		}},
		Definition{Kind: KindRequestAssigned, Version: 1, Fields: []Field{
			{Name: "request_number", Type: "string", Required: true},
			{Name: "executor_id", Type: "string", Required: true},
			{Name: "assigner_id", Type: "string", Required: true},
			{Name: "assignment_type", Type: "string", Required: true},
			{Name: "score", Type: "number"},
		}},
		Definition{Kind: KindRequestStatusChanged, Version: 1, Fields: []Field{
			{Name: "request_number", Type: "string", Required: true},
			{Name: "from_status", Type: "string", Required: true},
			{Name: "to_status", Type: "string", Required: true},
			{Name: "actor_id", Type: "string"},
		}},
		Definition{Kind: KindRequestCompleted, Version: 1, Fields: []Field{
			{Name: "request_number", Type: "string", Required: true},
			{Name: "executor_id", Type: "string", Required: true},
			{Name: "applicant_id", Type: "string"},
			{Name: "completion_report", Type: "string", Required: true},
		}},
		Definition{Kind: KindRequestCancelled, Version: 1, Fields: []Field{
			{Name: "request_number", Type: "string", Required: true},
			{Name: "applicant_id", Type: "string"},
			{Name: "reason", Type: "string", Required: true},
		}},
		Definition{Kind: KindAuthLoginFailed, Version: 1, Fields: []Field{
			{Name: "user_id", Type: "string", Required: true},
			{Name: "failed_attempts", Type: "integer"},
			{Name: "remaining_attempts", Type: "integer", Required: true},
		}},
		Definition{Kind: KindAuthAccountLocked, Version: 1, Fields: []Field{
			{Name: "user_id", Type: "string", Required: true},
			{Name: "locked_until", Type: "string", Required: true},
		}},
		Definition{Kind: KindAuthServiceDenied, Version: 1, Fields: []Field{
			{Name: "service", Type: "string", Required: true},
			{Name: "method", Type: "string", Required: true},
			{Name: "reason", Type: "string", Required: true},
		}},
		Definition{Kind: KindWebhookReceived, Version: 1, Fields: []Field{
			{Name: "intake_id", Type: "string", Required: true},
			{Name: "source", Type: "string", Required: true},
			{Name: "declared_kind", Type: "string", Required: true},
		}},
		Definition{Kind: KindNotificationSent, Version: 1, Fields: []Field{
			{Name: "channel", Type: "string", Required: true},
			{Name: "recipient", Type: "string", Required: true},
			{Name: "notification_kind", Type: "string", Required: true},
		}},
		Definition{Kind: KindMediaUploaded, Version: 1, Fields: []Field{
			{Name: "media_id", Type: "string", Required: true},
			{Name: "request_number", Type: "string"},
			{Name: "content_type", Type: "string", Required: true},
			{Name: "size_bytes", Type: "integer", Required: true},
		}},
	)
	return r
}
