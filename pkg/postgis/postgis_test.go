package postgis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/kass/go-geo-partition/pkg/models"
)

func TestQueries(t *testing.T) {
	assert.Equal(t,
		`SELECT "id"::text, ST_AsBinary("geom") FROM "geo_points" WHERE "geom" IS NOT NULL`,
		recordsQuery("geo_points", "id", "geom"))
	assert.Equal(t,
		`SELECT COUNT(*) FROM "odd""name" WHERE "geom" && ST_MakeEnvelope($1, $2, $3, $4)`,
		extentQuery(`odd"name`, "geom"))
}

func TestDecodeRow(t *testing.T) {
	raw, err := wkb.Marshal(models.NewRect(0, 0, 2, 1), wkb.NDR)
	require.NoError(t, err)
	r, err := decodeRow("a", raw)
	require.NoError(t, err)
	assert.Equal(t, "a", r.Value)
	poly, ok := r.Geometry.(*geom.Polygon)
	require.True(t, ok)
	assert.Equal(t, 5, poly.NumCoords())

	_, err = decodeRow("b", []byte{1, 2, 3})
	assert.Error(t, err)
}
