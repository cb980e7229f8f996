package models

import (
	"slices"
	"time"
)

// Kind discriminates the message variants held in the log.
type Kind string

const (
	KindSystem         Kind = "system"
	KindError          Kind = "error"
	KindUser           Kind = "user"
	KindAgent          Kind = "agent"
	KindEmail          Kind = "email"
	KindReviewProposal Kind = "review-proposal"
	KindConfirmation   Kind = "confirmation"
	KindThinking       Kind = "thinking"
)

// ContentFormat tells the renderer whether Text must be escaped.
type ContentFormat string

const (
	FormatPlain ContentFormat = "plain"
	FormatRich  ContentFormat = "rich"
)

type Content struct {
	Format ContentFormat `json:"format"`
	Text   string        `json:"text"`
}

func PlainText(s string) Content { return Content{Format: FormatPlain, Text: s} }

func RichText(s string) Content { return Content{Format: FormatRich, Text: s} }

// MessageID identifies a log entry. IDs are assigned by the log and are
// strictly increasing within a session.
type MessageID uint64

// TimestampLayout is the display format of Message.Timestamp.
const TimestampLayout = "3:04:05 PM"

// Message is one entry of the session log. Entries are replaced, never
// mutated in place: use Clone before changing a payload.
type Message struct {
	ID        MessageID `json:"id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Content   Content   `json:"content"`

	Email        *EmailPayload        `json:"email,omitempty"`
	Proposal     *ProposalPayload     `json:"proposal,omitempty"`
	Confirmation *ConfirmationPayload `json:"confirmation,omitempty"`
}

func (m Message) Timestamp() string {
	return m.CreatedAt.Format(TimestampLayout)
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Email != nil {
		e := *m.Email
		out.Email = &e
	}
	if m.Proposal != nil {
		p := m.Proposal.Clone()
		out.Proposal = &p
	}
	if m.Confirmation != nil {
		c := *m.Confirmation
		c.Options = slices.Clone(m.Confirmation.Options)
		out.Confirmation = &c
	}
	return out
}

type EmailPayload struct {
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	BodyText string `json:"body_text"`
	Tone     string `json:"tone"`
	Audience string `json:"audience"`
	IsSaved  bool   `json:"is_saved"`
}

// NewEmailPayload applies the display defaults for missing email fields.
func NewEmailPayload(g GeneratedEmail) EmailPayload {
	p := EmailPayload{
		Subject:  g.Subject,
		BodyHTML: g.BodyHTML,
		BodyText: g.BodyText,
		Tone:     g.Tone,
		Audience: g.SuggestedAudience,
	}
	if p.Subject == "" {
		p.Subject = "No Subject"
	}
	if p.Tone == "" {
		p.Tone = "Professional"
	}
	if p.Audience == "" {
		p.Audience = "General"
	}
	return p
}

// ProposalState is the lifecycle of a review proposal.
type ProposalState string

const (
	StateReadOnly  ProposalState = "read-only"
	StateEditing   ProposalState = "editing"
	StateProceeded ProposalState = "proceeded"
)

type FieldOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Field is one editable row of a proposal. Key is stable for the life of
// the row; Name may be changed by the user.
type Field struct {
	Key            string        `json:"key"`
	Name           string        `json:"name"`
	Value          string        `json:"value"`
	Label          string        `json:"label"`
	IsCustom       bool          `json:"is_custom"`
	IsPicklist     bool          `json:"is_picklist"`
	PicklistValues []string      `json:"picklist_values"`
	RowOptions     []FieldOption `json:"row_options,omitempty"`
}

type RelatedRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url"`
}

type ProposalPayload struct {
	Prompt          string          `json:"prompt"`
	ObjectName      string          `json:"object_name"`
	ContactCount    int             `json:"contact_count"`
	Fields          []Field         `json:"fields"`
	AvailableFields []FieldMeta     `json:"available_fields"`
	UnusedFields    []FieldMeta     `json:"unused_fields"`
	RelatedRecords  []RelatedRecord `json:"related_records"`
	State           ProposalState   `json:"state"`
	IsSaved         bool            `json:"is_saved"`
}

func (p ProposalPayload) Clone() ProposalPayload {
	out := p
	out.Fields = make([]Field, len(p.Fields))
	for i, f := range p.Fields {
		f.PicklistValues = slices.Clone(f.PicklistValues)
		f.RowOptions = slices.Clone(f.RowOptions)
		out.Fields[i] = f
	}
	out.AvailableFields = slices.Clone(p.AvailableFields)
	out.UnusedFields = slices.Clone(p.UnusedFields)
	out.RelatedRecords = slices.Clone(p.RelatedRecords)
	return out
}

// Field returns the row with the given key.
func (p ProposalPayload) Field(key string) (Field, bool) {
	for _, f := range p.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// DefaultConfirmationOptions are offered when the backend sends none.
var DefaultConfirmationOptions = []string{"Yes", "No"}

type ConfirmationPayload struct {
	Prompt   string   `json:"prompt"`
	Options  []string `json:"options"`
	Answered bool     `json:"answered"`
	Choice   string   `json:"choice,omitempty"`
}
