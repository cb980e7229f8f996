package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldMeta_PicklistShapes(t *testing.T) {
	tests := []struct {
		name string
		json string
		want []string
	}{
		{"strings", `{"name":"Status","type":"picklist","picklistValues":["New","Active"]}`, []string{"New", "Active"}},
		{"objects", `{"name":"Status","type":"picklist","picklistValues":[{"label":"Planned","value":"Planned"},{"label":"Done","value":"Completed"}]}`, []string{"Planned", "Completed"}},
		{"object without value", `{"name":"Status","type":"picklist","picklistValues":[{"label":"Aborted"}]}`, []string{"Aborted"}},
		{"absent", `{"name":"Email","type":"email"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m FieldMeta
			require.NoError(t, json.Unmarshal([]byte(tt.json), &m))
			assert.Equal(t, tt.want, m.PicklistValues)
			assert.NotEmpty(t, m.Name)
		})
	}
}

func TestFieldMeta_RejectsBadPicklistValue(t *testing.T) {
	var m FieldMeta
	assert.Error(t, json.Unmarshal([]byte(`{"name":"Status","picklistValues":[42]}`), &m))
}

func TestProposedField_ValueShapes(t *testing.T) {
	tests := []struct {
		json string
		want string
	}{
		{`{"name":"Status","value":"Planned"}`, "Planned"},
		{`{"name":"BudgetedCost","value":5000}`, "5000"},
		{`{"name":"ExpectedRevenue","value":1.5e3}`, "1.5e3"},
		{`{"name":"IsActive","value":true}`, "true"},
		{`{"name":"Description","value":null}`, ""},
		{`{"name":"Description"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.json, func(t *testing.T) {
			var f ProposedField
			require.NoError(t, json.Unmarshal([]byte(tt.json), &f))
			assert.Equal(t, tt.want, f.Value)
		})
	}
}

func TestInboundFrame_ProposalWithBackendShapes(t *testing.T) {
	raw := `{"type":"review_proposal","proposal":{"object":"Campaign",
		"fields":[{"name":"BudgetedCost","value":5000,"label":"Budget"}],
		"available_fields":[{"name":"Status","label":"Status","type":"picklist","picklistValues":[{"label":"Planned","value":"Planned"}]}]}}`

	var f InboundFrame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))

	require.NotNil(t, f.Proposal)
	assert.Equal(t, ProposedField{Name: "BudgetedCost", Value: "5000", Label: "Budget"}, f.Proposal.Fields[0])
	assert.Equal(t, []string{"Planned"}, f.Proposal.AvailableFields[0].PicklistValues)
}
