package snow

import (
	"fmt"

	"github.com/starford/snowlink/internal/apperr"
	"github.com/starford/snowlink/internal/models"
)

// Backend field fallbacks shared by all task-derived tables. A KindSpec's
// Fields map overrides any of these per kind (sc_request keeps its state in
// request_state, for example).
const (
	defaultNumberField      = "task_effective_number"
	defaultTitleField       = "short_description"
	defaultDescriptionField = "description"
	defaultStatusField      = "state"
	defaultAssigneeField    = "assigned_to"
)

// fieldValue extracts a backend field that is either a plain string or a
// {value, display_value} pair (sysparm_display_value=all responses).
func fieldValue(raw map[string]any, key string) (value, display string, ok bool) {
	v, present := raw[key]
	if !present {
		return "", "", false
	}
	switch t := v.(type) {
	case string:
		return t, t, true
	case map[string]any:
		value, _ = t["value"].(string)
		display, _ = t["display_value"].(string)
		if display == "" {
			display = value
		}
		return value, display, true
	default:
		s := fmt.Sprint(t)
		return s, s, true
	}
}

// setExtra replaces the value of an existing extra field by label, or
// appends it when absent.
func setExtra(rec *models.Record, label, value string) {
	for i := range rec.Extra {
		if rec.Extra[i].Label == label {
			rec.Extra[i].Value = value
			return
		}
	}
	rec.Extra = append(rec.Extra, models.Field{Label: label, Value: value})
}

// normalize maps a backend-native record onto the unified model using the
// kind's field mapping. A record that cannot produce the mandatory number
// or link is malformed.
func (c *Client) normalize(spec *KindSpec, raw map[string]any) (models.Record, error) {
	number, _, ok := fieldValue(raw, spec.field("number", defaultNumberField))
	if !ok || number == "" {
		return models.Record{}, fmt.Errorf("missing %s: %w", spec.field("number", defaultNumberField), apperr.ErrMalformedRecord)
	}
	sysID, _, ok := fieldValue(raw, "sys_id")
	if !ok || sysID == "" {
		return models.Record{}, fmt.Errorf("missing sys_id: %w", apperr.ErrMalformedRecord)
	}

	rec := models.Record{
		Kind:       spec.Kind,
		Identifier: number,
		URL:        c.RecordURL(spec.Table, sysID),
	}
	_, rec.Title, _ = fieldValue(raw, spec.field("title", defaultTitleField))
	_, rec.Description, _ = fieldValue(raw, spec.field("description", defaultDescriptionField))
	_, rec.Assignee, _ = fieldValue(raw, spec.field("assignee", defaultAssigneeField))

	stateValue, stateDisplay, _ := fieldValue(raw, spec.field("status", defaultStatusField))
	if label, mapped := spec.States[stateValue]; mapped {
		rec.Status = label
	} else {
		rec.Status = stateDisplay
	}

	for _, ef := range []struct {
		label string
		key   string
	}{
		{"Created", "sys_created_on"},
		{"Priority", "priority"},
		{"Last updated by", "sys_updated_by"},
		{"Last updated", "sys_updated_on"},
		{"Created by", "sys_created_by"},
		{"Approval", "approval"},
	} {
		if _, display, ok := fieldValue(raw, ef.key); ok && display != "" {
			setExtra(&rec, ef.label, display)
		}
	}
	return rec, nil
}
