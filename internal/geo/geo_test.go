package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neighborly/api/internal/model"
)

var telAviv = model.Location{Lat: 32.08, Lng: 34.78}

func TestHashPrecision(t *testing.T) {
	hash := Hash(telAviv)
	require.Len(t, hash, int(Precision))
	assert.Equal(t, hash, Hash(telAviv))
	assert.NotEqual(t, hash, Hash(model.Location{Lat: 31.77, Lng: 35.21}))
}

func TestNeighborhoodCoversNearbyPoints(t *testing.T) {
	cells := Neighborhood(telAviv, NeighborhoodPrecision)
	require.Len(t, cells, 9)

	nearby := Hash(model.Location{Lat: 32.081, Lng: 34.781})
	far := Hash(model.Location{Lat: 40.71, Lng: -74.00})
	assert.True(t, HasAnyPrefix(nearby, cells))
	assert.False(t, HasAnyPrefix(far, cells))
}

func TestBoundsContains(t *testing.T) {
	b := Bounds{West: 34.7, South: 32.0, East: 34.9, North: 32.2}
	require.NoError(t, b.Validate())
	assert.True(t, b.Contains(telAviv))
	assert.False(t, b.Contains(model.Location{Lat: 31.77, Lng: 35.21}))
}

func TestBoundsAcrossAntimeridian(t *testing.T) {
	b := Bounds{West: 170, South: -20, East: -170, North: 20}
	require.NoError(t, b.Validate())
	assert.True(t, b.Contains(model.Location{Lat: 0, Lng: 179}))
	assert.True(t, b.Contains(model.Location{Lat: 0, Lng: -175}))
	assert.False(t, b.Contains(model.Location{Lat: 0, Lng: 0}))
}

func TestBoundsValidate(t *testing.T) {
	assert.ErrorIs(t, Bounds{South: 10, North: 5}.Validate(), ErrInvalidBounds)
	assert.ErrorIs(t, Bounds{West: -200, East: 10, South: 0, North: 1}.Validate(), ErrInvalidBounds)
	assert.False(t, ValidLocation(model.Location{Lat: 91}))
	assert.True(t, ValidLocation(telAviv))
}

func TestParseBBox(t *testing.T) {
	b, err := ParseBBox("34.7, 32.0, 34.9, 32.2")
	require.NoError(t, err)
	assert.Equal(t, Bounds{West: 34.7, South: 32.0, East: 34.9, North: 32.2}, b)

	for _, raw := range []string{"", "1,2,3", "a,0,1,1", "0,10,1,5"} {
		_, err := ParseBBox(raw)
		assert.ErrorIs(t, err, ErrInvalidBounds, raw)
	}
}
