package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horizon-workflow/internal/models"
)

func step(order int, name string, compulsory bool) models.ProcessStep {
	return models.ProcessStep{Name: name, Department: name, Order: order, IsCompulsory: compulsory}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		steps   []models.ProcessStep
		wantErr bool
	}{
		{"contiguous", []models.ProcessStep{step(1, "Prepress", true), step(2, "Printing", false), step(3, "Packing", false)}, false},
		{"unsorted input is fine", []models.ProcessStep{step(2, "Printing", false), step(1, "Prepress", true)}, false},
		{"gap", []models.ProcessStep{step(1, "Prepress", true), step(3, "Printing", false)}, true},
		{"duplicate order", []models.ProcessStep{step(1, "Prepress", true), step(1, "Printing", false)}, true},
		{"starts at zero", []models.ProcessStep{step(0, "Prepress", true), step(1, "Printing", false)}, true},
		{"duplicate name", []models.ProcessStep{step(1, "Prepress", true), step(2, "prepress ", false)}, true},
		{"well-known step optional", []models.ProcessStep{step(1, "Material Issuance", false)}, true},
		{"compulsory after optional", []models.ProcessStep{step(1, "Printing", false), step(2, "Prepress", true)}, true},
		{"missing department", []models.ProcessStep{{Name: "Printing", Order: 1}}, true},
		{"empty", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(models.ProcessSequence{ProductType: "Offset", Steps: tt.steps})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, models.ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "offset", got.ProductType)
			for i, st := range got.Steps {
				assert.Equal(t, i+1, st.Order)
			}
		})
	}
}

func TestDefaultsAreValid(t *testing.T) {
	seqs := Defaults()
	require.NotEmpty(t, seqs)
	for _, s := range seqs {
		require.GreaterOrEqual(t, len(s.Steps), 3, s.ProductType)
		assert.Equal(t, "Prepress", s.Steps[0].Name)
		assert.True(t, s.Steps[0].IsCompulsory)
	}
}

func TestParseRejectsDuplicateProductTypes(t *testing.T) {
	doc := []byte(`
sequences:
  - product_type: offset
    steps: [{order: 1, name: Prepress, department: Prepress, compulsory: true}]
  - product_type: Offset
    steps: [{order: 1, name: Prepress, department: Prepress, compulsory: true}]
`)
	_, err := Parse(doc)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestMarshalRoundTripsThroughParse(t *testing.T) {
	data, err := Marshal(Defaults()[:1])
	require.NoError(t, err)
	seqs, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, Defaults()[0].Steps, seqs[0].Steps)
}

func TestNormalizeProductType(t *testing.T) {
	assert.Equal(t, "heat_transfer", NormalizeProductType(" Heat-Transfer "))
	assert.Equal(t, "woven", NormalizeProductType("WOVEN"))
}
