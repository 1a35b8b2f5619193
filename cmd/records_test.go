package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
)

func TestReadRecords(t *testing.T) {
	in := `id,wkt,time
a,POINT (1 2),2024-03-01T10:00:00Z
b,"POLYGON ((0 0, 2 0, 2 2, 0 2, 0 0))"
c,"LINESTRING (0 0, 3 4)",
`
	records, err := readRecords(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "a", records[0].Value)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), records[0].Time)
	_, ok := records[1].Geometry.(*geom.Polygon)
	assert.True(t, ok)
	assert.True(t, records[2].Time.IsZero())

	var buf bytes.Buffer
	require.NoError(t, writeRecords(&buf, records))
	again, err := readRecords(&buf)
	require.NoError(t, err)
	require.Len(t, again, 3)
	for i := range records {
		assert.Equal(t, records[i].Value, again[i].Value)
		assert.Equal(t, records[i].Geometry.FlatCoords(), again[i].Geometry.FlatCoords())
		assert.True(t, records[i].Time.Equal(again[i].Time))
	}
}

func TestReadRecordsErrors(t *testing.T) {
	tests := map[string]string{
		"bad wkt":      "a,POINT (1 2)\nb,POINT (oops)\n",
		"bad time":     "a,POINT (1 2),yesterday\n",
		"missing wkt":  "a,POINT (1 2)\nb\n",
		"extra fields": "a,POINT (1 2),,x\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := readRecords(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestParseGeometry(t *testing.T) {
	g, err := parseGeometry("3, 4")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, g.FlatCoords())

	g, err = parseGeometry("0,0,2,1")
	require.NoError(t, err)
	e, err := geometry.ExtentOf(g)
	require.NoError(t, err)
	assert.True(t, e.Equal(geometry.Rect(0, 0, 2, 1)))

	g, err = parseGeometry("LINESTRING (0 0, 1 1)")
	require.NoError(t, err)
	_, ok := g.(*geom.LineString)
	assert.True(t, ok)

	_, err = parseGeometry("1,2,3")
	assert.Error(t, err)
}

func TestGenerateRecords(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := generateRecords(500, 7, 0.2, start)
	b := generateRecords(500, 7, 0.2, start)
	require.Len(t, a, 500)

	rects := 0
	for i, r := range a {
		assert.Equal(t, b[i].Geometry.FlatCoords(), r.Geometry.FlatCoords())
		e, err := geometry.ExtentOf(r.Geometry)
		require.NoError(t, err)
		assert.True(t, geometry.Rect(-180, -90, 180, 90).ContainsExtent(e), "record %d at %v", i, e)
		assert.False(t, r.Time.Before(start))
		assert.True(t, r.Time.Before(start.Add(24*time.Hour)))
		if _, ok := r.Geometry.(*geom.Polygon); ok {
			rects++
		}
	}
	assert.InDelta(t, 100, rects, 40)
}

func TestCountInExtent(t *testing.T) {
	records := []models.Record[string]{
		models.NewRecord[string](models.NewPoint(1, 1), "in"),
		models.NewRecord[string](models.NewRect(4, 4, 6, 6), "overlaps"),
		models.NewRecord[string](models.NewLine(geom.Coord{-3, 2}, geom.Coord{2, 7}), "bbox only"),
		models.NewRecord[string](models.NewPoint(9, 9), "out"),
		models.NewRecord[string](geom.NewLineString(geom.XY), "empty"),
	}
	assert.Equal(t, int64(3), countInExtent(records, geometry.Rect(0, 0, 5, 5)))
}

func TestParsePredicate(t *testing.T) {
	p, err := parsePredicate("containedBy", 0)
	require.NoError(t, err)
	assert.Equal(t, geometry.ContainedBy, p)

	p, err = parsePredicate("within", 2.5)
	require.NoError(t, err)
	assert.Equal(t, geometry.WithinDistance(2.5), p)

	_, err = parsePredicate("touches", 0)
	assert.Error(t, err)
}
