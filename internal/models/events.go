package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EventType names the messages accepted on the intake queue
type EventType string

const (
	EventSubmissionCreated EventType = "submission.created"
	EventHookDeactivated   EventType = "hook.deactivated"
	EventHookDeleted       EventType = "hook.deleted"
)

// ParseEventType parses an intake event type
// Returns an error if the event type is unknown
func ParseEventType(name string) (EventType, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	for _, eventType := range []EventType{EventSubmissionCreated, EventHookDeactivated, EventHookDeleted} {
		if string(eventType) == name {
			return eventType, nil
		}
	}

	return "", fmt.Errorf("unknown intake event type: %s", name)
}

// SubmissionCreated is emitted by the submission store once per new submission,
// possibly more than once for the same submission
type SubmissionCreated struct {
	SubmissionUUID string   `json:"submission_uuid"`
	FormID         string   `json:"form_id"`
	Fields         FieldMap `json:"fields"`
}

func (e SubmissionCreated) Validate() error {
	if strings.TrimSpace(e.SubmissionUUID) == "" {
		return fmt.Errorf("submission_uuid is required")
	}
	if strings.TrimSpace(e.FormID) == "" {
		return fmt.Errorf("form_id is required")
	}
	return nil
}

// IntakeEnvelope wraps every message on the intake queue
type IntakeEnvelope struct {
	Type       string             `json:"type"`
	Submission *SubmissionCreated `json:"submission,omitempty"`
	HookID     uuid.UUID          `json:"hook_id,omitempty"`
}
