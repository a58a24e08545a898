package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/domain"
)

func TestSelectTechnicianSpecialtyBeatsLoad(t *testing.T) {
	techs := []domain.Technician{
		{ID: "t1", Specialty: "تكييف", Available: true, Tasks: 2, Rating: 4.0},
		{ID: "t2", Specialty: "كاميرات", Available: true, Tasks: 0, Rating: 5.0},
	}
	got := SelectTechnician("تكييف", techs)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
}

func TestSelectTechnicianRatingBreaksTies(t *testing.T) {
	techs := []domain.Technician{
		{ID: "low", Specialty: "lighting", Available: true, Tasks: 1, Rating: 3.9},
		{ID: "high", Specialty: "street lighting", Available: true, Tasks: 1, Rating: 4.7},
	}
	got := SelectTechnician("lighting", techs)
	require.NotNil(t, got)
	assert.Equal(t, "high", got.ID)
}

func TestSelectTechnicianLoadBeforeRating(t *testing.T) {
	techs := []domain.Technician{
		{ID: "busy", Specialty: "pumps", Available: true, Tasks: 4, Rating: 5},
		{ID: "free", Specialty: "pumps", Available: true, Tasks: 1, Rating: 3},
	}
	assert.Equal(t, "free", SelectTechnician("pumps", techs).ID)
}

func TestSelectTechnicianStableOnFullTie(t *testing.T) {
	techs := []domain.Technician{
		{ID: "first", Specialty: "x", Available: true},
		{ID: "second", Specialty: "x", Available: true},
	}
	assert.Equal(t, "first", SelectTechnician("x", techs).ID)
}

func TestSelectTechnicianNoneAvailable(t *testing.T) {
	techs := []domain.Technician{{ID: "t1", Specialty: "x", Available: false}}
	assert.Nil(t, SelectTechnician("x", techs))
	assert.Nil(t, SelectTechnician("x", nil))
}

func TestSelectTechnicianFallsBackToNonSpecialist(t *testing.T) {
	techs := []domain.Technician{
		{ID: "off", Specialty: "pumps", Available: false},
		{ID: "generalist", Specialty: "general", Available: true},
	}
	assert.Equal(t, "generalist", SelectTechnician("pumps", techs).ID)
}

func TestCheckParts(t *testing.T) {
	stock := []domain.PartStock{{SKU: "FLT-1", Quantity: 8, Reserved: 2}}

	got := CheckParts([]domain.PartRequirement{{SKU: "FLT-1", Quantity: 5}}, stock)
	require.Len(t, got, 1)
	assert.Equal(t, 6, got[0].Available)
	assert.True(t, got[0].InStock)
	assert.True(t, AllInStock(got))

	got = CheckParts([]domain.PartRequirement{{SKU: "FLT-1", Quantity: 7}}, stock)
	assert.False(t, got[0].InStock)
	assert.False(t, AllInStock(got))
}

func TestCheckPartsMissingSKU(t *testing.T) {
	got := CheckParts([]domain.PartRequirement{{SKU: "NOPE", Quantity: 1}}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Available)
	assert.False(t, got[0].InStock)
}

func TestAllInStockEmpty(t *testing.T) {
	assert.True(t, AllInStock(CheckParts(nil, nil)))
}
