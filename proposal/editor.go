// Package proposal implements the editable review proposal: a backend
// suggested set of field values the user may adjust before confirming.
//
// Every function takes a payload by value and returns a new one, so callers
// can apply the result atomically or drop it on error. A proposal moves
// between read-only and editing until Proceed, after which it is frozen.
package proposal

import (
	"errors"
	"fmt"
	"strings"

	"chat-session/models"
)

var (
	ErrProceeded     = errors.New("proposal already proceeded")
	ErrUnknownField  = errors.New("unknown field")
	ErrDuplicateName = errors.New("field name already used by another row")
)

const (
	NewFieldLabel = "New Field"
	ProceedLabel  = "Proceeding with the proposed details..."
)

// KeyFunc returns a session-unique row key with the given prefix.
type KeyFunc func(prefix string) string

// New builds a read-only proposal from the backend frame. Related records
// are left empty until enrichment fills them in.
func New(prompt string, f models.ProposalFrame, key KeyFunc) models.ProposalPayload {
	p := models.ProposalPayload{
		Prompt:          prompt,
		ObjectName:      f.Object,
		ContactCount:    f.ContactCount,
		AvailableFields: append([]models.FieldMeta(nil), f.AvailableFields...),
		RelatedRecords:  []models.RelatedRecord{},
		State:           models.StateReadOnly,
	}

	p.Fields = make([]models.Field, 0, len(f.Fields))
	for _, pf := range f.Fields {
		field := models.Field{
			Key:   key(pf.Name),
			Name:  pf.Name,
			Value: pf.Value,
			Label: pf.Label,
		}
		if meta, ok := lookupFold(p.AvailableFields, pf.Name); ok {
			if field.Label == "" {
				field.Label = meta.Label
			}
			if meta.IsPicklist() {
				field.IsPicklist = true
				field.PicklistValues = append([]string(nil), meta.PicklistValues...)
			}
		}
		if field.Label == "" {
			field.Label = pf.Name
		}
		p.Fields = append(p.Fields, field)
	}
	return RefreshOptions(p)
}

// RefreshOptions recomputes the dropdown options of every custom row and the
// list of catalog fields no row uses yet. A row always keeps its own
// current selection among its options.
func RefreshOptions(p models.ProposalPayload) models.ProposalPayload {
	p = p.Clone()

	used := make(map[string]bool, len(p.Fields))
	for _, f := range p.Fields {
		if n := normalize(f.Name); n != "" {
			used[n] = true
		}
	}

	for i, f := range p.Fields {
		if !f.IsCustom {
			continue
		}
		current := normalize(f.Name)
		opts := make([]models.FieldOption, 0, len(p.AvailableFields))
		for _, af := range p.AvailableFields {
			n := normalize(af.Name)
			if !used[n] || n == current {
				opts = append(opts, models.FieldOption{Label: af.Label, Value: af.Name})
			}
		}
		p.Fields[i].RowOptions = opts
	}

	p.UnusedFields = p.UnusedFields[:0]
	for _, af := range p.AvailableFields {
		if !used[normalize(af.Name)] {
			p.UnusedFields = append(p.UnusedFields, af)
		}
	}
	return p
}

// ToggleEdit flips between read-only and editing.
func ToggleEdit(p models.ProposalPayload) (models.ProposalPayload, error) {
	if p.State == models.StateProceeded {
		return p, ErrProceeded
	}
	p = p.Clone()
	if p.State == models.StateEditing {
		p.State = models.StateReadOnly
	} else {
		p.State = models.StateEditing
	}
	return p, nil
}

// AddField appends an empty custom row with the given key.
func AddField(p models.ProposalPayload, key string) (models.ProposalPayload, error) {
	if p.State == models.StateProceeded {
		return p, ErrProceeded
	}
	p = p.Clone()
	p.Fields = append(p.Fields, models.Field{
		Key:            key,
		Label:          NewFieldLabel,
		IsCustom:       true,
		PicklistValues: []string{},
	})
	return RefreshOptions(p), nil
}

func SetFieldValue(p models.ProposalPayload, key, value string) (models.ProposalPayload, error) {
	if p.State == models.StateProceeded {
		return p, ErrProceeded
	}
	i := indexOf(p, key)
	if i < 0 {
		return p, fmt.Errorf("field %q: %w", key, ErrUnknownField)
	}
	p = p.Clone()
	p.Fields[i].Value = value
	return p, nil
}

// SetFieldName renames a row and re-resolves its label and picklist metadata
// from the catalog. Switching to a picklist field clears the old value.
func SetFieldName(p models.ProposalPayload, key, name string) (models.ProposalPayload, error) {
	if p.State == models.StateProceeded {
		return p, ErrProceeded
	}
	i := indexOf(p, key)
	if i < 0 {
		return p, fmt.Errorf("field %q: %w", key, ErrUnknownField)
	}
	if n := normalize(name); n != "" {
		for _, f := range p.Fields {
			if f.Key != key && normalize(f.Name) == n {
				return p, fmt.Errorf("field %q: %w", name, ErrDuplicateName)
			}
		}
	}

	p = p.Clone()
	f := &p.Fields[i]
	f.Name = name
	if meta, ok := lookupExact(p.AvailableFields, name); ok {
		f.Label = meta.Label
		if meta.IsPicklist() {
			f.IsPicklist = true
			f.PicklistValues = append([]string(nil), meta.PicklistValues...)
			f.Value = ""
		} else {
			f.IsPicklist = false
			f.PicklistValues = []string{}
		}
	} else {
		f.Label = name
		f.IsPicklist = false
		f.PicklistValues = []string{}
	}
	return RefreshOptions(p), nil
}

// Proceed freezes the proposal and returns the instruction to send back.
// The state change does not depend on the send succeeding.
func Proceed(p models.ProposalPayload) (models.ProposalPayload, string, error) {
	if p.State == models.StateProceeded {
		return p, "", ErrProceeded
	}
	text := Instruction(p)
	p = p.Clone()
	p.State = models.StateProceeded
	return p, text, nil
}

// Instruction renders the confirmation text for the current field values.
func Instruction(p models.ProposalPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Proceed with creating %s. ", p.ObjectName)

	updates := make([]string, 0, len(p.Fields))
	for _, f := range p.Fields {
		if f.Name != "" && f.Value != "" {
			updates = append(updates, fmt.Sprintf("%s='%s'", f.Name, f.Value))
		}
	}
	fmt.Fprintf(&b, "Details: %s.", strings.Join(updates, ", "))

	if n := len(p.RelatedRecords); n > 0 {
		ids := make([]string, n)
		for i, r := range p.RelatedRecords {
			ids[i] = r.ID
		}
		fmt.Fprintf(&b, " AND Create CampaignMember records for the following %d found records: [%s]", n, strings.Join(ids, ", "))
	}
	return b.String()
}

// MarkSaved sets the saved flag. It is independent of the lifecycle.
func MarkSaved(p models.ProposalPayload) models.ProposalPayload {
	p = p.Clone()
	p.IsSaved = true
	return p
}

// SetRelatedRecords replaces only the related records, leaving user edits
// and lifecycle state alone.
func SetRelatedRecords(p models.ProposalPayload, records []models.RelatedRecord) models.ProposalPayload {
	p = p.Clone()
	p.RelatedRecords = append([]models.RelatedRecord{}, records...)
	return p
}

func indexOf(p models.ProposalPayload, key string) int {
	for i, f := range p.Fields {
		if f.Key == key {
			return i
		}
	}
	return -1
}

func lookupFold(catalog []models.FieldMeta, name string) (models.FieldMeta, bool) {
	n := normalize(name)
	for _, m := range catalog {
		if normalize(m.Name) == n {
			return m, true
		}
	}
	return models.FieldMeta{}, false
}

func lookupExact(catalog []models.FieldMeta, name string) (models.FieldMeta, bool) {
	for _, m := range catalog {
		if m.Name == name {
			return m, true
		}
	}
	return models.FieldMeta{}, false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
