package main

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/dbscan"
	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/logger"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/skyline"
	"github.com/kass/go-geo-partition/pkg/spatial"
)

type stage struct {
	title string
	run   func() ([]string, error)
}

// demo walks one synthetic dataset through every stage. Each stage reads the
// state left by the previous ones.
type demo struct {
	ctx    context.Context
	n      int
	seed   int64
	opts   []spatial.Option
	exec   *engine.Executor
	raw    *spatial.Dataset[string]
	grid   *spatial.Dataset[string]
	bsp    *spatial.Dataset[string]
	stages []stage
}

func newDemo(n int, seed int64) (*demo, error) {
	if n <= 0 {
		return nil, fmt.Errorf("records must be positive, got %d", n)
	}
	quiet := logger.Discard()
	d := &demo{
		ctx:  context.Background(),
		n:    n,
		seed: seed,
		exec: engine.New(0, engine.WithLogger(quiet)),
	}
	d.opts = []spatial.Option{spatial.WithLogger(quiet), spatial.WithExecutor(d.exec)}
	d.stages = []stage{
		{"Generating records", d.generate},
		{"Grid partitioning", d.partitionGrid},
		{"Cost-based BSP partitioning", d.partitionBSP},
		{"Range filter", d.filter},
		{"Nearest neighbors", d.knn},
		{"Spatio-temporal skyline", d.skyline},
		{"DBSCAN clustering", d.cluster},
	}
	return d, nil
}

func (d *demo) generate() ([]string, error) {
	r := rand.New(rand.NewSource(d.seed))
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	centers := [][2]float64{{-73.9, 40.7}, {-0.1, 51.5}, {139.7, 35.7}, {-46.6, -23.5}}
	records := make([]models.Record[string], d.n)
	for i := range records {
		var lon, lat float64
		if i%5 == 4 {
			lon, lat = r.Float64()*360-180, r.Float64()*170-85
		} else {
			c := centers[r.Intn(len(centers))]
			lon, lat = c[0]+r.NormFloat64()*2, c[1]+r.NormFloat64()*2
		}
		records[i] = models.NewRecord[string](models.NewPoint(lon, lat), fmt.Sprintf("point_%d", i))
		records[i].Time = start.Add(time.Duration(r.Int63n(int64(24 * time.Hour))))
	}
	d.raw = spatial.NewDataset(records, d.opts...)
	return []string{
		fmt.Sprintf("✓ %s records around four cities plus uniform noise", statStyle.Render(fmt.Sprint(d.n))),
		fmt.Sprintf("✓ %d workers", d.exec.Workers()),
	}, nil
}

func (d *demo) partitionGrid() ([]string, error) {
	p, err := spatial.NewGridPartitioner(d.ctx, d.raw, 8)
	if err != nil {
		return nil, err
	}
	if d.grid, err = spatial.Index(d.ctx, d.raw, p, 16); err != nil {
		return nil, err
	}
	return balanceLines(d.grid), nil
}

func (d *demo) partitionBSP() ([]string, error) {
	p, err := spatial.NewBSPPartitioner(d.ctx, d.raw, 0.5, int64(max(d.n/64, 1)))
	if err != nil {
		return nil, err
	}
	if d.bsp, err = spatial.Index(d.ctx, d.raw, p, 16); err != nil {
		return nil, err
	}
	return balanceLines(d.bsp), nil
}

func balanceLines(ds *spatial.Dataset[string]) []string {
	counts := ds.Stats().Counts
	mean := float64(ds.Len()) / float64(len(counts))
	return []string{
		fmt.Sprintf("✓ %s partitions", statStyle.Render(fmt.Sprint(len(counts)))),
		fmt.Sprintf("✓ largest %s records, mean %.0f (max/mean %s)",
			statStyle.Render(fmt.Sprint(slices.Max(counts))), mean,
			statStyle.Render(fmt.Sprintf("%.2f", float64(slices.Max(counts))/mean))),
	}
}

func (d *demo) filter() ([]string, error) {
	q := models.NewRect(-75, 40, -73, 42)
	var lines []string
	for _, l := range []struct {
		name string
		ds   *spatial.Dataset[string]
	}{{"unpartitioned", d.raw}, {"grid", d.grid}, {"bsp", d.bsp}} {
		start := time.Now()
		matches, err := spatial.Filter(d.ctx, l.ds, geometry.Intersects, q)
		if err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("✓ %-13s %s matches in %s", l.name,
			statStyle.Render(fmt.Sprint(len(matches))), time.Since(start).Round(time.Microsecond)))
	}
	return lines, nil
}

func (d *demo) knn() ([]string, error) {
	q := geom.Coord{-0.1276, 51.5072}
	neighbors, err := spatial.KNN(d.ctx, d.bsp, q, 5, geometry.HaversineMetric)
	if err != nil {
		return nil, err
	}
	lines := []string{"5 nearest to London (great-circle):"}
	for _, n := range neighbors {
		lines = append(lines, fmt.Sprintf("  %-14s %s km  partition %d", n.Value, statStyle.Render(fmt.Sprintf("%.2f", n.Distance)), n.Partition))
	}
	return lines, nil
}

func (d *demo) skyline() ([]string, error) {
	ref := models.NewRecord[string](models.NewPoint(139.7, 35.7), "tokyo")
	ref.Time = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	opts := []skyline.Option{skyline.WithExecutor(d.exec), skyline.WithLogger(logger.Discard())}
	res, err := skyline.Compute(d.ctx, d.raw.Records(), ref, skyline.SpatioTemporal[string](), skyline.Dominates, 8, opts...)
	if err != nil {
		return nil, err
	}
	lines := []string{
		fmt.Sprintf("✓ %s records closest to Tokyo at noon in space or time", statStyle.Render(fmt.Sprint(len(res.Points)))),
		fmt.Sprintf("✓ %d of %d grid cells pruned without a scan", res.Pruned, res.Partitions),
	}
	for i, p := range res.Points {
		if i == 3 {
			lines = append(lines, dimStyle.Render(fmt.Sprintf("  ... %d more", len(res.Points)-3)))
			break
		}
		lines = append(lines, fmt.Sprintf("  %-14s %.3f° away, %s off", p.Record.Value, p.Coords[0], time.Duration(p.Coords[1]*float64(time.Second)).Round(time.Second)))
	}
	return lines, nil
}

func (d *demo) cluster() ([]string, error) {
	res, err := dbscan.Cluster(d.ctx, d.raw, dbscan.Options[string, string]{
		MinPts:           20,
		Epsilon:          0.3,
		Key:              func(r models.Record[string]) string { return r.Value },
		MaxPartitionCost: int64(max(d.n/16, 1)),
	})
	if err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf("✓ %s clusters over %d partitions", statStyle.Render(fmt.Sprint(res.Clusters)), res.Partitions),
		fmt.Sprintf("✓ %s noise records", statStyle.Render(fmt.Sprint(res.Noise))),
	}, nil
}
