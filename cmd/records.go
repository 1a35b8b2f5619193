package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/kass/go-geo-partition/pkg/models"
)

// readRecords parses id,wkt[,time] rows. A first row whose second column is
// not WKT is treated as a header.
func readRecords(r io.Reader) ([]models.Record[string], error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var records []models.Record[string]
	for line := 1; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read line %d: %w", line, err)
		}
		if len(row) < 2 || len(row) > 3 {
			return nil, fmt.Errorf("line %d: expected id,wkt[,time], got %d fields", line, len(row))
		}
		g, err := wkt.Unmarshal(row[1])
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: failed to parse geometry: %w", line, err)
		}
		rec := models.NewRecord(g, row[0])
		if len(row) == 3 && row[2] != "" {
			if rec.Time, err = time.Parse(time.RFC3339, row[2]); err != nil {
				return nil, fmt.Errorf("line %d: failed to parse time: %w", line, err)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func readRecordsFile(path string) ([]models.Record[string], error) {
	if path == "-" {
		return readRecords(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()
	return readRecords(f)
}

func writeRecords(w io.Writer, records []models.Record[string]) error {
	cw := csv.NewWriter(w)
	for _, r := range records {
		s, err := wkt.Marshal(r.Geometry)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", r.Value, err)
		}
		row := []string{r.Value, s}
		if !r.Time.IsZero() {
			row = append(row, r.Time.UTC().Format(time.RFC3339))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// parseGeometry accepts WKT or a bare "x,y" / "minX,minY,maxX,maxY" list.
func parseGeometry(s string) (geom.T, error) {
	s = strings.TrimSpace(s)
	if nums, ok := parseFloats(s); ok {
		switch len(nums) {
		case 2:
			return models.NewPoint(nums[0], nums[1]), nil
		case 4:
			return models.NewRect(nums[0], nums[1], nums[2], nums[3]), nil
		}
		return nil, fmt.Errorf("expected 2 or 4 coordinates, got %d", len(nums))
	}
	return wkt.Unmarshal(s)
}

func parseFloats(s string) ([]float64, bool) {
	fields := strings.Split(s, ",")
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// generateRecords returns n lon/lat records concentrated around major
// population regions. rectFraction of them are small boxes instead of points
// and every record gets a timestamp within the day after start.
func generateRecords(n int, seed int64, rectFraction float64, start time.Time) []models.Record[string] {
	r := rand.New(rand.NewSource(seed))
	records := make([]models.Record[string], n)
	for i := range records {
		var lat, lon float64
		switch r.Intn(5) {
		case 0: // North America
			lat = r.Float64()*30 + 30
			lon = r.Float64()*60 - 120
		case 1: // Europe
			lat = r.Float64()*20 + 40
			lon = r.Float64()*40 - 10
		case 2: // Asia
			lat = r.Float64()*40 + 20
			lon = r.Float64()*80 + 60
		case 3: // South America
			lat = r.Float64()*40 - 50
			lon = r.Float64()*30 - 80
		default:
			lat = r.Float64()*180 - 90
			lon = r.Float64()*360 - 180
		}

		var g geom.T = models.NewPoint(lon, lat)
		if r.Float64() < rectFraction {
			w, h := r.Float64()*0.5, r.Float64()*0.5
			g = models.NewRect(lon, lat, min(lon+w, 180), min(lat+h, 90))
		}
		records[i] = models.NewRecord(g, fmt.Sprintf("point_%d", i))
		records[i].Time = start.Add(time.Duration(r.Int63n(int64(24 * time.Hour))))
	}
	return records
}
