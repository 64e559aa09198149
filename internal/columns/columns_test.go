package columns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitoverlay/internal/config"
	"visitoverlay/internal/correlate"
)

func TestCaregiverLabel(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want string
	}{
		{"female with vitals", []string{"Female Caregiver", "Vital Allergy", "Vital DNR"}, "Female only, Vital Allergy, Vital DNR"},
		{"empty", nil, "No preference"},
		{"both markers", []string{"Male Caregiver", "Female Caregiver"}, "No preference"},
		{"male only", []string{"Pets", "Male Caregiver"}, "Male only"},
		{"neither with vitals", []string{"Vital B", "Smoker", "Vital A"}, "No preference, Vital B, Vital A"},
		{"both with vitals", []string{"Vital X", "Female Caregiver", "Male Caregiver"}, "No preference, Vital X"},
		{"prefix is case sensitive", []string{"vital lower", "Vitals"}, "No preference, Vitals"},
		{"marker must match exactly", []string{"Female Caregiver Preferred"}, "No preference"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CaregiverLabel(tt.tags))
		})
	}
}

func TestCityLabel(t *testing.T) {
	tests := []struct {
		name, city, address string
		want                Value
	}{
		{"portland NE", "Portland", "123 NE Alberta St", Value{Text: "NE Portland"}},
		{"other city untouched", "Salem", "123 NE Alberta St", Value{Text: "Salem"}},
		{"case insensitive city", "PORTLAND", "9 SW Main", Value{Text: "SW PORTLAND"}},
		{"no direction", "Portland", "123 Alberta St", Value{Text: "Portland"}},
		{"direction needs spaces", "Portland", "123 NEAlberta", Value{Text: "Portland"}},
		{"direction leads address", "Portland", "NE Alberta St", Value{Text: "NE Portland"}},
		{"direction ends address", "Portland", "Alberta St NE", Value{Text: "NE Portland"}},
		{"compound direction counts once", "Portland", "SE", Value{Text: "SE Portland"}},
		{"directions stack in scan order", "Portland", "1 N Main and 2 SE Oak", Value{Text: "SE N Portland"}},
		{"missing city", "", "1 NE Main", Value{Text: "--", Muted: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CityLabel(tt.city, tt.address))
		})
	}
}

func TestCarePlanSummary(t *testing.T) {
	plan := &correlate.CarePlan{Diagnoses: []correlate.Diagnosis{
		{Name: "Diabetes", Description: "type 2"},
		{Name: "CLIENT Centered Information", Description: "Likes tea"},
	}}
	assert.Equal(t, "Likes tea", CarePlanSummary(plan))
	assert.Equal(t, "Error", CarePlanSummary(&correlate.CarePlan{}))
	assert.Equal(t, "Error", CarePlanSummary(nil))
	assert.Equal(t, "Error", CarePlanSummary(&correlate.CarePlan{Diagnoses: []correlate.Diagnosis{
		{Name: "client centered information"},
	}}))
}

func TestParseAnchor(t *testing.T) {
	a, err := ParseAnchor("")
	require.NoError(t, err)
	assert.Equal(t, AnchorStart, a.Kind)

	a, err = ParseAnchor("after:visit-status")
	require.NoError(t, err)
	assert.Equal(t, Anchor{Kind: AnchorAfter, Ref: "visit-status"}, a)
	assert.Equal(t, "after:visit-status", a.String())

	_, err = ParseAnchor("after:")
	assert.Error(t, err)
	_, err = ParseAnchor("left")
	assert.Error(t, err)
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(Definition{ID: "a"}, Definition{ID: "a"})
	assert.Error(t, err)
	_, err = NewRegistry(Definition{Title: "untitled"})
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Columns["client-city"] = false
	cfg.Anchors = map[string]string{"client-tags": "end"}

	reg, err := Default(cfg)
	require.NoError(t, err)

	owned := reg.Owned()
	require.Len(t, owned, 2)
	assert.Equal(t, ClientTags, owned[0].ID)
	assert.Equal(t, AnchorEnd, owned[0].Anchor.Kind)
	assert.True(t, owned[0].Enabled)
	assert.False(t, owned[1].Enabled)

	_, ok := reg.Get(ClientCarePlan)
	assert.False(t, ok, "care plan column needs the chain")

	host := reg.Host()
	require.NotEmpty(t, host)
	ids := make([]string, 0, len(host))
	for _, d := range host {
		ids = append(ids, d.ID)
		assert.False(t, d.Owned())
	}
	assert.Contains(t, ids, "employee")
	assert.NotContains(t, ids, ClientCarePlan)

	cfg.Lookup.CarePlanChain = true
	reg, err = Default(cfg)
	require.NoError(t, err)
	d, ok := reg.Get(ClientCarePlan)
	require.True(t, ok)
	assert.Equal(t, "Client Careplan", d.Title)
}

func TestDefinitionValue(t *testing.T) {
	reg, err := Default(config.DefaultConfig())
	require.NoError(t, err)
	tags, _ := reg.Get(ClientTags)
	city, _ := reg.Get(ClientCity)

	pending := &correlate.Row{VisitID: "1"}
	assert.Equal(t, Value{Text: "No preference"}, tags.Value(pending))
	assert.Equal(t, Value{Text: "--", Muted: true}, city.Value(pending))
	assert.Equal(t, Value{Text: "--", Muted: true}, city.Value(nil))

	ready := &correlate.Row{VisitID: "1", Ready: true, Client: &correlate.Client{
		Tags: []string{"Male Caregiver"}, City: "Portland", Address: "5 SE Oak",
	}}
	assert.Equal(t, Value{Text: "Male only"}, tags.Value(ready))
	assert.Equal(t, Value{Text: "SE Portland"}, city.Value(ready))
}
