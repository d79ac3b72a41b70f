package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/gateway"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/request"
)

// Bot flow states beyond the main menu.
const (
	stateNewRequestCategory    = "new_request_category"
	stateNewRequestDescription = "new_request_description"
	stateNewRequestAddress     = "new_request_address"
	stateRequestStatus         = "request_status"
)

var categoryKeyboard = [][]string{
	{"plumbing", "electrics"},
	{"cleaning", "general"},
}

var mainKeyboard = [][]string{{"/newrequest", "/status"}}

// botFlows wires the conversational states: the main menu, the
// create-request flow and a status lookup. Any /cancel lands back on the
// main menu with the flow payload cleared.
func botFlows(requests *request.Service) *gateway.FSM {
	fsm := gateway.NewFSM()

	fsm.Handle(gateway.StateMainMenu, func(ctx context.Context, t *gateway.Turn) (gateway.Reply, error) {
		switch t.Message.Command {
		case "newrequest":
			t.Transition(stateNewRequestCategory)
			return gateway.Reply{Text: "What kind of problem is it?", Keyboard: categoryKeyboard}, nil
		case "status":
			if number := strings.TrimSpace(t.Message.Text); number != "" {
				return statusReply(ctx, requests, t, number)
			}
			t.Transition(stateRequestStatus)
			return gateway.Reply{Text: "Which request number?"}, nil
		case "cancel":
			t.Cancel()
			return gateway.Reply{Text: "Cancelled.", Keyboard: mainKeyboard}, nil
		default:
			return gateway.Reply{
				Text:     "Send /newrequest to report a problem or /status to check an existing one.",
				Keyboard: mainKeyboard,
			}, nil
		}
	})

	fsm.Handle(stateNewRequestCategory, func(_ context.Context, t *gateway.Turn) (gateway.Reply, error) {
		if r, done := cancelled(t); done {
			return r, nil
		}
		category := strings.ToLower(strings.TrimSpace(t.Message.Text))
		if !allowedCategory(category) {
			return gateway.Reply{Text: "Pick one of the listed categories.", Keyboard: categoryKeyboard}, nil
		}
		t.Set("category", category)
		t.Transition(stateNewRequestDescription)
		return gateway.Reply{Text: "Describe the problem in one message."}, nil
	})

	fsm.Handle(stateNewRequestDescription, func(_ context.Context, t *gateway.Turn) (gateway.Reply, error) {
		if r, done := cancelled(t); done {
			return r, nil
		}
		text := strings.TrimSpace(t.Message.Text)
		if text == "" {
			return gateway.Reply{Text: "A short description is required."}, nil
		}
		t.Set("description", text)
		t.Transition(stateNewRequestAddress)
		return gateway.Reply{Text: "Where is it? Send the address."}, nil
	})

	fsm.Handle(stateNewRequestAddress, func(ctx context.Context, t *gateway.Turn) (gateway.Reply, error) {
		if r, done := cancelled(t); done {
			return r, nil
		}
		address := strings.TrimSpace(t.Message.Text)
		if address == "" {
			return gateway.Reply{Text: "An address is required."}, nil
		}
		category, _ := t.Get("category")
		description, _ := t.Get("description")
		o, err := requests.Create(ctx, request.NewOrder{
			ApplicantID: t.Session.Context.UserID,
			Category:    asString(category),
			Urgency:     2,
			Description: asString(description),
			Address:     address,
		})
		if err != nil {
			if fault.IsKind(err, fault.KindValidation) {
				t.Cancel()
				return gateway.Reply{Text: "That request was rejected: " + err.Error(), Keyboard: mainKeyboard}, nil
			}
			return gateway.Reply{}, err
		}
		t.Cancel()
		return gateway.Reply{
			Text:     fmt.Sprintf("Request %s registered. You will be notified when an executor is assigned.", o.Number),
			Keyboard: mainKeyboard,
		}, nil
	})

	fsm.Handle(stateRequestStatus, func(ctx context.Context, t *gateway.Turn) (gateway.Reply, error) {
		if r, done := cancelled(t); done {
			return r, nil
		}
		return statusReply(ctx, requests, t, strings.TrimSpace(t.Message.Text))
	})

	fsm.RequirePayload(stateNewRequestDescription, gateway.RequireKeys("category"))
	fsm.RequirePayload(stateNewRequestAddress, gateway.RequireKeys("category", "description"))

	return fsm
}

func statusReply(ctx context.Context, requests *request.Service, t *gateway.Turn, number string) (gateway.Reply, error) {
	o, err := requests.Get(ctx, number)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) || fault.IsKind(err, fault.KindValidation) {
			return gateway.Reply{Text: fmt.Sprintf("No request %s found. Try again or /cancel.", number)}, nil
		}
		return gateway.Reply{}, err
	}
	t.Cancel()
	return gateway.Reply{Text: fmt.Sprintf("Request %s is %s.", o.Number, o.Status), Keyboard: mainKeyboard}, nil
}

func cancelled(t *gateway.Turn) (gateway.Reply, bool) {
	if t.Message.Command != "cancel" {
		return gateway.Reply{}, false
	}
	t.Cancel()
	return gateway.Reply{Text: "Cancelled.", Keyboard: mainKeyboard}, true
}

func allowedCategory(category string) bool {
	for _, row := range categoryKeyboard {
		if slices.Contains(row, category) {
			return true
		}
	}
	return false
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
