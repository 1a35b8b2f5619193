package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/logger"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/partition"
	"github.com/kass/go-geo-partition/pkg/spatial"
)

type BenchmarkResult struct {
	QueryType     string
	Layout        string
	TotalQueries  int
	TotalDuration time.Duration
	AvgDuration   time.Duration
	QueriesPerSec float64
	MinDuration   time.Duration
	MaxDuration   time.Duration
	TotalResults  int64
	AvgResults    float64
}

type balance struct {
	Layout     string
	Partitions int
	Min, Max   int
	Mean, Std  float64
	Build      time.Duration
}

func main() {
	var (
		numRecords = pflag.IntP("records", "n", 200000, "Number of records to generate")
		numQueries = pflag.IntP("queries", "q", 1000, "Number of queries per layout")
		workers    = pflag.IntP("workers", "w", runtime.NumCPU(), "Number of concurrent query workers")
		ppd        = pflag.Int("ppd", 8, "Grid partitions per dimension")
		maxCost    = pflag.Int64("max-cost", 5000, "BSP maximum records per partition")
		sideLength = pflag.Float64("side-length", 0.25, "BSP histogram cell side in degrees")
		order      = pflag.Int("order", 16, "R-tree node capacity")
		boxSize    = pflag.Float64("box-size", 1.0, "Box size in degrees")
		k          = pflag.IntP("neighbors", "k", 10, "Number of nearest neighbors")
		seed       = pflag.Int64("seed", 1, "Random seed")
	)
	pflag.Parse()

	ctx := context.Background()
	quiet := logger.Discard()
	exec := engine.New(0, engine.WithLogger(quiet))
	opts := []spatial.Option{spatial.WithLogger(quiet), spatial.WithExecutor(exec)}

	log.Printf("Generating %d skewed records...\n", *numRecords)
	raw := spatial.NewDataset(skewedRecords(*numRecords, *seed), opts...)
	bounds, err := spatial.CentroidBounds(ctx, raw)
	if err != nil {
		log.Fatalf("Failed to compute bounds: %v", err)
	}

	start := time.Now()
	grid, err := spatial.NewGridPartitioner(ctx, raw, *ppd)
	if err != nil {
		log.Fatalf("Failed to build grid: %v", err)
	}
	gridDS, err := spatial.Index(ctx, raw, grid, *order)
	if err != nil {
		log.Fatalf("Failed to index grid partitions: %v", err)
	}
	gridBalance := measureBalance("grid", gridDS, time.Since(start))

	start = time.Now()
	bsp, err := spatial.NewBSPPartitioner(ctx, raw, *sideLength, *maxCost)
	if err != nil {
		log.Fatalf("Failed to build BSP: %v", err)
	}
	bspDS, err := spatial.Index(ctx, raw, bsp, *order)
	if err != nil {
		log.Fatalf("Failed to index BSP partitions: %v", err)
	}
	bspBalance := measureBalance("bsp", bspDS, time.Since(start))

	fmt.Println("\n=== Partition Balance ===")
	for _, b := range []balance{gridBalance, bspBalance} {
		fmt.Printf("%-5s partitions=%-5d min=%-7d max=%-7d mean=%-9.1f std=%-9.1f max/mean=%.2f build=%v\n",
			b.Layout, b.Partitions, b.Min, b.Max, b.Mean, b.Std, float64(b.Max)/b.Mean, b.Build)
	}

	layouts := []struct {
		name string
		ds   *spatial.Dataset[int]
	}{
		{"full", raw},
		{"grid", gridDS},
		{"bsp", bspDS},
	}

	var results []BenchmarkResult
	for _, l := range layouts {
		log.Printf("Running %d box and %d nearest queries on %s with %d workers...\n", *numQueries, *numQueries, l.name, *workers)
		results = append(results,
			runQueries("box", l.name, *numQueries, *workers, *seed, func(r *rand.Rand) (int, error) {
				x := bounds.Min[0] + r.Float64()*(bounds.Width(0)-*boxSize)
				y := bounds.Min[1] + r.Float64()*(bounds.Width(1)-*boxSize)
				matches, err := spatial.Filter(ctx, l.ds, geometry.Intersects, models.NewRect(x, y, x+*boxSize, y+*boxSize))
				return len(matches), err
			}),
			runQueries("nearest", l.name, *numQueries, *workers, *seed, func(r *rand.Rand) (int, error) {
				q := geom.Coord{bounds.Min[0] + r.Float64()*bounds.Width(0), bounds.Min[1] + r.Float64()*bounds.Width(1)}
				neighbors, err := spatial.KNN(ctx, l.ds, q, *k, geometry.EuclideanMetric)
				return len(neighbors), err
			}),
		)
	}

	fmt.Println("\n=== Benchmark Results ===")
	for _, result := range results {
		fmt.Printf("%-8s %-5s queries=%-6d avg=%-12v min=%-12v max=%-12v qps=%-10.2f avg results=%.2f\n",
			result.QueryType, result.Layout, result.TotalQueries, result.AvgDuration,
			result.MinDuration, result.MaxDuration, result.QueriesPerSec, result.AvgResults)
	}
	fmt.Printf("Workers Used: %d\n", *workers)
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
}

// skewedRecords places most points around a few hot spots so that a uniform
// grid ends up unbalanced.
func skewedRecords(n int, seed int64) []models.Record[int] {
	r := rand.New(rand.NewSource(seed))
	hotspots := [][2]float64{{-74.0, 40.7}, {-118.2, 34.0}, {-87.6, 41.9}, {-95.4, 29.8}}
	records := make([]models.Record[int], n)
	for i := range records {
		var lon, lat float64
		if r.Float64() < 0.8 {
			h := hotspots[r.Intn(len(hotspots))]
			lon = h[0] + r.NormFloat64()*0.8
			lat = h[1] + r.NormFloat64()*0.8
		} else {
			lon = -125 + r.Float64()*59
			lat = 25 + r.Float64()*24
		}
		records[i] = models.NewRecord[int](models.NewPoint(lon, lat), i)
	}
	return records
}

func measureBalance(layout string, ds *spatial.Dataset[int], build time.Duration) balance {
	st := ds.Stats()
	b := balance{Layout: layout, Partitions: st.Partitions, Min: math.MaxInt, Build: build}
	for _, c := range st.Counts {
		b.Min, b.Max = min(b.Min, c), max(b.Max, c)
	}
	b.Mean = float64(st.Records) / float64(st.Partitions)
	for _, c := range st.Counts {
		d := float64(c) - b.Mean
		b.Std += d * d
	}
	b.Std = math.Sqrt(b.Std / float64(st.Partitions))
	if p, ok := ds.Partitioner().(*partition.BSP); ok && len(p.Overflow()) > 0 {
		log.Printf("%d BSP partitions are single cells above the max cost\n", len(p.Overflow()))
	}
	return b
}

func runQueries(queryType, layout string, numQueries, workers int, seed int64, query func(r *rand.Rand) (int, error)) BenchmarkResult {
	var (
		totalResults int64
		failed       int64
		minDuration  = time.Hour
		maxDuration  time.Duration
		totalDur     time.Duration
		completed    int
		mu           sync.Mutex
	)

	startTime := time.Now()

	// Worker pool
	queryCh := make(chan int, numQueries)
	var wg sync.WaitGroup

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(w)))

			for range queryCh {
				queryStart := time.Now()
				n, err := query(r)
				queryDuration := time.Since(queryStart)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&totalResults, int64(n))

				mu.Lock()
				completed++
				totalDur += queryDuration
				minDuration = min(minDuration, queryDuration)
				maxDuration = max(maxDuration, queryDuration)
				mu.Unlock()
			}
		}(w)
	}

	for i := 0; i < numQueries; i++ {
		queryCh <- i
	}
	close(queryCh)

	wg.Wait()
	totalDuration := time.Since(startTime)
	if failed > 0 {
		log.Printf("%d %s queries on %s failed\n", failed, queryType, layout)
	}

	result := BenchmarkResult{
		QueryType:     queryType,
		Layout:        layout,
		TotalQueries:  numQueries,
		TotalDuration: totalDuration,
		QueriesPerSec: float64(numQueries) / totalDuration.Seconds(),
		MinDuration:   minDuration,
		MaxDuration:   maxDuration,
		TotalResults:  totalResults,
		AvgResults:    float64(totalResults) / float64(max(completed, 1)),
	}
	if completed > 0 {
		result.AvgDuration = totalDur / time.Duration(completed)
	}
	return result
}
