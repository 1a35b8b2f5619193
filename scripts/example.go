package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/dbscan"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/spatial"
	"github.com/kass/go-geo-partition/pkg/store"
)

func main() {
	ctx := context.Background()

	// Sample points for major US cities, as lon/lat
	cities := []models.Record[string]{
		models.NewRecord[string](models.NewPoint(-74.0060, 40.7128), "NYC"),
		models.NewRecord[string](models.NewPoint(-118.2437, 34.0522), "LAX"),
		models.NewRecord[string](models.NewPoint(-87.6298, 41.8781), "CHI"),
		models.NewRecord[string](models.NewPoint(-95.3698, 29.7604), "HOU"),
		models.NewRecord[string](models.NewPoint(-112.0740, 33.4484), "PHX"),
		models.NewRecord[string](models.NewPoint(-75.1652, 39.9526), "PHL"),
		models.NewRecord[string](models.NewPoint(-98.4936, 29.4241), "SAT"),
		models.NewRecord[string](models.NewPoint(-117.1611, 32.7157), "SDG"),
		models.NewRecord[string](models.NewPoint(-96.7970, 32.7767), "DAL"),
		models.NewRecord[string](models.NewPoint(-121.8863, 37.3382), "SJC"),
		models.NewRecord[string](models.NewPoint(-97.7431, 30.2672), "AUS"),
		models.NewRecord[string](models.NewPoint(-81.6557, 30.3322), "JAX"),
		models.NewRecord[string](models.NewPoint(-122.4194, 37.7749), "SFO"),
		models.NewRecord[string](models.NewPoint(-82.9988, 39.9612), "CLB"),
		models.NewRecord[string](models.NewPoint(-80.8431, 35.2271), "CLT"),
	}

	// Partition on a 2x2 grid and index every partition
	raw := spatial.NewDataset(cities)
	grid, err := spatial.NewGridPartitioner(ctx, raw, 2)
	if err != nil {
		log.Fatal(err)
	}
	index, err := spatial.Index(ctx, raw, grid, 4)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Indexed %d cities into %d partitions %v\n\n", index.Len(), index.NumPartitions(), index.Stats().Counts)

	// Example 1: Find cities in California (bounding box)
	fmt.Println("=== Cities in California (Bounding Box) ===")
	california := models.NewRect(-124.5, 32.5, -114.0, 42.0)
	results, err := spatial.Filter(ctx, index, geometry.ContainedBy, california)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Found %d cities in California:\n", len(results))
	for _, city := range results {
		c := city.Geometry.FlatCoords()
		fmt.Printf("  - %s: (%.4f, %.4f)\n", city.Value, c[1], c[0])
	}

	// Example 2: Find cities within 500km of Dallas
	fmt.Println("\n=== Cities within 500km of Dallas ===")
	dallas := geom.Coord{-96.7970, 32.7767}
	byDistance, err := spatial.KNN(ctx, index, dallas, index.Len(), geometry.HaversineMetric)
	if err != nil {
		log.Fatal(err)
	}
	for _, city := range byDistance {
		if city.Distance > 500 {
			break
		}
		fmt.Printf("  - %s: %.1f km away\n", city.Value, city.Distance)
	}

	// Example 3: Find 5 nearest cities to Denver
	fmt.Println("\n=== 5 Nearest Cities to Denver ===")
	nearest, err := spatial.KNN(ctx, index, geom.Coord{-104.9903, 39.7392}, 5, geometry.HaversineMetric)
	if err != nil {
		log.Fatal(err)
	}
	for i, city := range nearest {
		fmt.Printf("  %d. %s: %.1f km away\n", i+1, city.Value, city.Distance)
	}

	// Example 4: Group cities less than 6 degrees apart
	fmt.Println("\n=== City Clusters (DBSCAN) ===")
	clusters, err := dbscan.Cluster(ctx, raw, dbscan.Options[string, string]{
		MinPts:           2,
		Epsilon:          6,
		Key:              func(r models.Record[string]) string { return r.Value },
		IncludeNoise:     true,
		MaxPartitionCost: 8,
	})
	if err != nil {
		log.Fatal(err)
	}
	for _, a := range clusters.Assignments {
		fmt.Printf("  - %s: cluster %d\n", a.Key, a.Label)
	}

	// Save the index
	fmt.Println("\n=== Saving Index ===")
	dir, err := os.MkdirTemp("", "cities")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)
	s, err := store.Open(filepath.Join(dir, "cities.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	if err := store.Save(s, "cities", index); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Index saved to %s\n", s.Path())

	// Load the index
	fmt.Println("\n=== Loading Index ===")
	loaded, err := store.Load[string](ctx, s, "cities")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Loaded index with %d cities\n", loaded.Len())
}
