package geo

import (
	"errors"
	"testing"

	"github.com/layersync/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForce3D(t *testing.T) {
	t.Run("point", func(t *testing.T) {
		g, err := Force3D(models.Geometry{Type: "Point", Coordinates: []any{1.0, 2.0}})
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 0}, g.Coordinates)
	})

	t.Run("keeps z", func(t *testing.T) {
		g, err := Force3D(models.NewPoint(1, 2, 3))
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3}, g.Coordinates)
	})

	t.Run("nested", func(t *testing.T) {
		g, err := Force3D(models.Geometry{Type: "LineString", Coordinates: []any{
			[]any{1.0, 2.0}, []any{3.0, 4.0, 5.0},
		}})
		require.NoError(t, err)
		assert.Equal(t, []any{[]float64{1, 2, 0}, []float64{3, 4, 5}}, g.Coordinates)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Force3D(models.Geometry{Type: "Point", Coordinates: []any{1.0}})
		assert.Error(t, err)
	})
}

func TestSamePoint(t *testing.T) {
	base := [3]float64{304812.123456781, 5040000.5, 0}

	below := base
	below[0] += 1e-9
	assert.True(t, SamePoint(base, below))

	above := base
	above[1] += 1e-7
	assert.False(t, SamePoint(base, above))
}

func TestTransformMTM(t *testing.T) {
	// On the central meridian of zone 8 the easting is the false easting.
	x, _, err := Transform(-73.5, 45.5, models.SRIDWGS84, 2950)
	require.NoError(t, err)
	assert.InDelta(t, 304800.0, x, 1e-6)

	for srid := models.SRIDMTMFirst; srid <= models.SRIDMTMLast; srid++ {
		lon0 := mtmCentralMeridian(srid) + 1.2
		x, y, err := Transform(lon0, 46.8, models.SRIDWGS84, srid)
		require.NoError(t, err)
		lon, lat, err := Transform(x, y, srid, models.SRIDWGS84)
		require.NoError(t, err)
		assert.InDelta(t, lon0, lon, 1e-7, "srid %d", srid)
		assert.InDelta(t, 46.8, lat, 1e-7, "srid %d", srid)
	}
}

func TestTransformWebMercator(t *testing.T) {
	x, y, err := Transform(-73.5, 45.5, models.SRIDWGS84, models.SRIDWebMercator)
	require.NoError(t, err)
	lon, lat, err := Transform(x, y, models.SRIDWebMercator, models.SRIDWGS84)
	require.NoError(t, err)
	assert.InDelta(t, -73.5, lon, 1e-9)
	assert.InDelta(t, 45.5, lat, 1e-9)
}

func TestTransformUnsupported(t *testing.T) {
	_, _, err := Transform(0, 0, 9999, models.SRIDWGS84)
	assert.True(t, errors.Is(err, models.ErrUnsupportedSRID))
}

func TestExtent(t *testing.T) {
	b := Extent([]models.Geometry{models.NewPoint(1, 5, 0), models.NewPoint(3, 2, 0)})
	assert.Equal(t, 1.0, b.Min[0])
	assert.Equal(t, 2.0, b.Min[1])
	assert.Equal(t, 3.0, b.Max[0])
	assert.Equal(t, 5.0, b.Max[1])
}
