package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound frame types sent by the backend.
const (
	FrameStatus         = "status"
	FrameResponse       = "response"
	FrameReviewProposal = "review_proposal"
	FrameConfirmation   = "confirmation"
	FrameError          = "error"
)

// Record is a backend record reference used for link resolution.
type Record struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	Email string `json:"Email,omitempty"`
}

// FieldMeta describes one selectable field in a proposal's catalog.
type FieldMeta struct {
	Name           string   `json:"name"`
	Label          string   `json:"label"`
	Type           string   `json:"type"`
	PicklistValues []string `json:"picklistValues,omitempty"`
}

// UnmarshalJSON accepts picklist values either as bare strings or as
// {label, value} objects; only the value is kept.
func (m *FieldMeta) UnmarshalJSON(data []byte) error {
	type plain FieldMeta
	var raw struct {
		plain
		PicklistValues []picklistEntry `json:"picklistValues"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = FieldMeta(raw.plain)
	m.PicklistValues = nil
	for _, e := range raw.PicklistValues {
		m.PicklistValues = append(m.PicklistValues, string(e))
	}
	return nil
}

type picklistEntry string

func (e *picklistEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = picklistEntry(s)
		return nil
	}
	var obj struct {
		Label string `json:"label"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("picklist value: %w", err)
	}
	if obj.Value == "" {
		obj.Value = obj.Label
	}
	*e = picklistEntry(obj.Value)
	return nil
}

// IsPicklist reports whether the field only accepts catalog values.
func (m FieldMeta) IsPicklist() bool {
	return m.Type == "picklist"
}

type ProposedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// UnmarshalJSON takes value as any JSON scalar. Strings are unquoted, other
// literals keep their JSON text and null becomes empty.
func (f *ProposedField) UnmarshalJSON(data []byte) error {
	type plain ProposedField
	var raw struct {
		plain
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = ProposedField(raw.plain)
	f.Value = ""

	v := bytes.TrimSpace(raw.Value)
	switch {
	case len(v) == 0 || bytes.Equal(v, []byte("null")):
	case v[0] == '"':
		if err := json.Unmarshal(v, &f.Value); err != nil {
			return fmt.Errorf("field %s value: %w", f.Name, err)
		}
	default:
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return fmt.Errorf("field %s value: %w", f.Name, err)
		}
		f.Value = compact.String()
	}
	return nil
}

type ProposalFrame struct {
	Object          string          `json:"object"`
	ContactCount    int             `json:"contact_count"`
	Fields          []ProposedField `json:"fields"`
	RelatedRecords  []Record        `json:"related_records"`
	AvailableFields []FieldMeta     `json:"available_fields"`
}

type GeneratedEmail struct {
	Subject           string `json:"subject"`
	BodyHTML          string `json:"body_html"`
	BodyText          string `json:"body_text"`
	Tone              string `json:"tone"`
	SuggestedAudience string `json:"suggested_audience"`
}

// InboundFrame is one JSON message received from the backend. Which fields
// are populated depends on Type.
type InboundFrame struct {
	Type                  string              `json:"type"`
	Message               string              `json:"message,omitempty"`
	Success               bool                `json:"success,omitempty"`
	Response              string              `json:"response,omitempty"`
	Error                 string              `json:"error,omitempty"`
	GeneratedEmailContent *GeneratedEmail     `json:"generated_email_content,omitempty"`
	CreatedRecords        map[string][]Record `json:"created_records,omitempty"`
	SalesforceData        bool                `json:"salesforce_data,omitempty"`
	Proposal              *ProposalFrame      `json:"proposal,omitempty"`
	Options               []string            `json:"options,omitempty"`
}

// OutboundFrame is the only frame the client sends.
type OutboundFrame struct {
	Message string `json:"message"`
}
