package assistant

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Built-in action types the assistant may propose. Executors for them are
// injected at wiring time; the payload schemas live here so proposals are
// validated before anyone is asked to confirm them.
const (
	ActionTypeCreateTask       = "create-task"
	ActionTypeScheduleDeadline = "schedule-deadline"
	ActionTypeDraftDocument    = "draft-document"
)

// CreateTaskPayload describes a task to create in the case-management system.
type CreateTaskPayload struct {
	Title      string     `json:"title"`
	Details    string     `json:"details,omitempty"`
	CaseID     *uuid.UUID `json:"case_id,omitempty"`
	AssigneeID *uuid.UUID `json:"assignee_id,omitempty"`
	DueDate    string     `json:"due_date,omitempty"`
}

// ValidateCreateTaskPayload checks shape and required fields.
func ValidateCreateTaskPayload(raw json.RawMessage) error {
	var p CreateTaskPayload
	if err := decodeStrict(raw, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("title is required")
	}
	if p.DueDate != "" {
		if _, err := time.Parse("2006-01-02", p.DueDate); err != nil {
			return fmt.Errorf("due_date must be YYYY-MM-DD: %q", p.DueDate)
		}
	}
	return nil
}

// ScheduleDeadlinePayload describes a court or filing deadline to schedule.
type ScheduleDeadlinePayload struct {
	Title            string     `json:"title"`
	Due              string     `json:"due"`
	CaseID           *uuid.UUID `json:"case_id,omitempty"`
	RemindDaysBefore int        `json:"remind_days_before,omitempty"`
}

// ValidateScheduleDeadlinePayload checks shape and required fields.
func ValidateScheduleDeadlinePayload(raw json.RawMessage) error {
	var p ScheduleDeadlinePayload
	if err := decodeStrict(raw, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("title is required")
	}
	if strings.TrimSpace(p.Due) == "" {
		return errors.New("due is required")
	}
	if _, err := time.Parse(time.RFC3339, p.Due); err != nil {
		if _, dateErr := time.Parse("2006-01-02", p.Due); dateErr != nil {
			return fmt.Errorf("due must be RFC3339 or YYYY-MM-DD: %q", p.Due)
		}
	}
	if p.RemindDaysBefore < 0 {
		return errors.New("remind_days_before must be non-negative")
	}
	return nil
}

// DraftDocumentPayload describes a document draft to generate.
type DraftDocumentPayload struct {
	Title        string     `json:"title"`
	Template     string     `json:"template"`
	CaseID       *uuid.UUID `json:"case_id,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
}

// ValidateDraftDocumentPayload checks shape and required fields.
func ValidateDraftDocumentPayload(raw json.RawMessage) error {
	var p DraftDocumentPayload
	if err := decodeStrict(raw, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("title is required")
	}
	if strings.TrimSpace(p.Template) == "" {
		return errors.New("template is required")
	}
	return nil
}

// decodeStrict rejects unknown fields and trailing data so a proposal cannot
// smuggle attributes past the schema.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("payload has trailing data")
	}
	return nil
}
