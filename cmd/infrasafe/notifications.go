package main

import (
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/events"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
)

// notificationRoutes maps platform events onto messenger notifications.
// Recipients are the resolved user ids carried in the event payload; the
// dispatcher inherits the correlation id from the envelope.
func notificationRoutes() map[string]notify.Route {
	return map[string]notify.Route{
		events.KindRequestAssigned: func(env events.Envelope) []notify.Notification {
			executor, _ := env.Payload["executor_id"].(string)
			if executor == "" {
				return nil
			}
			number, _ := env.Payload["request_number"].(string)
			return []notify.Notification{{
				Kind:      events.KindRequestAssigned,
				Channel:   notify.ChannelMessenger,
				Recipient: executor,
				Payload:   map[string]string{"number": number},
				Origin:    "dispatcher",
			}}
		},
		events.KindRequestCompleted: func(env events.Envelope) []notify.Notification {
			applicant, _ := env.Payload["applicant_id"].(string)
			if applicant == "" {
				return nil
			}
			number, _ := env.Payload["request_number"].(string)
			return []notify.Notification{{
				Kind:      events.KindRequestCompleted,
				Channel:   notify.ChannelMessenger,
				Recipient: applicant,
				Payload:   map[string]string{"number": number},
				Origin:    "dispatcher",
			}}
		},
		events.KindRequestCancelled: func(env events.Envelope) []notify.Notification {
			applicant, _ := env.Payload["applicant_id"].(string)
			if applicant == "" {
				return nil
			}
			number, _ := env.Payload["request_number"].(string)
			reason, _ := env.Payload["reason"].(string)
			return []notify.Notification{{
				Kind:      events.KindRequestCancelled,
				Channel:   notify.ChannelMessenger,
				Recipient: applicant,
				Payload:   map[string]string{"number": number, "reason": reason},
				Origin:    "dispatcher",
			}}
		},
	}
}

// defaultTemplates is the built-in message set for the routed kinds.
// Deployments layer translated catalogs on top.
func defaultTemplates() []notify.Template {
	return []notify.Template{
		{
			Kind: events.KindRequestAssigned, Channel: notify.ChannelMessenger, Language: "en",
			Title: "New assignment",
			Body:  "You have been assigned request {number}.",
		},
		{
			Kind: events.KindRequestCompleted, Channel: notify.ChannelMessenger, Language: "en",
			Title: "Request completed",
			Body:  "Request {number} has been completed. Rate the work with /status {number}.",
		},
		{
			Kind: events.KindRequestCancelled, Channel: notify.ChannelMessenger, Language: "en",
			Title: "Request cancelled",
			Body:  "Request {number} was cancelled: {reason}",
		},
	}
}
