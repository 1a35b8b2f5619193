package main

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/twpayne/go-geom"

	"github.com/kass/go-geo-partition/pkg/dbscan"
	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/skyline"
	"github.com/kass/go-geo-partition/pkg/spatial"
	"github.com/kass/go-geo-partition/pkg/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BE9FD"))
	statStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFB86C"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
)

var (
	numRecords   int
	seed         int64
	rectFraction float64
	outFile      string
	indexName    string
	inputFile    string
	predicate    string
	distance     float64
	queryGeom    string
	numNeighbors int
	metricName   string
	refGeom      string
	refTime      string
	aggregate    bool
	spatialOnly  bool
	skylinePPD   int
	epsilon      float64
	minPts       int
	includeNoise bool
	tableName    string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write random lon/lat records as id,wkt,time CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		records := generateRecords(numRecords, seed, rectFraction, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		w, done, err := output()
		if err != nil {
			return err
		}
		defer done()
		return writeRecords(w, records)
	},
}

var partitionCmd = &cobra.Command{
	Use:   "partition <input.csv>",
	Short: "Partition records and print the per-partition balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		records, err := readRecordsFile(args[0])
		if err != nil {
			return err
		}
		raw := spatial.NewDataset(records, datasetOptions()...)
		start := time.Now()
		p, err := newPartitioner(ctx, raw)
		if err != nil {
			return err
		}
		ds, dropped, err := spatial.Partition(ctx, raw, p)
		if err != nil {
			return err
		}
		reportDropped("partition", dropped)
		printStats(ds.Stats(), len(dropped), time.Since(start))
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index <input.csv>",
	Short: "Partition and index records, then save the index to the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		ds, err := indexedDataset(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		s, err := store.Open(cfg.Store)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := store.Save(s, indexName, ds); err != nil {
			return err
		}
		fmt.Printf("Indexed %s records into %s partitions in %v\n",
			statStyle.Render(strconv.Itoa(ds.Len())), statStyle.Render(strconv.Itoa(ds.NumPartitions())), time.Since(start))
		fmt.Printf("Saved as %q in %s\n", indexName, s.Path())
		return nil
	},
}

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Print the records matching a spatial predicate",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pred, err := parsePredicate(predicate, distance)
		if err != nil {
			return err
		}
		q, err := parseGeometry(queryGeom)
		if err != nil {
			return fmt.Errorf("failed to parse query: %w", err)
		}
		ds, err := indexedDataset(ctx, inputFile, indexName)
		if err != nil {
			return err
		}
		start := time.Now()
		matches, err := spatial.Filter(ctx, ds, pred, q)
		if err != nil {
			return err
		}
		log.Info("filter done", "predicate", pred, "matches", len(matches), "took", time.Since(start))
		w, done, err := output()
		if err != nil {
			return err
		}
		defer done()
		return writeRecords(w, matches)
	},
}

var knnCmd = &cobra.Command{
	Use:   "knn <x,y>",
	Short: "Print the k records nearest to a point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		nums, ok := parseFloats(args[0])
		if !ok || len(nums) != 2 {
			return fmt.Errorf("expected x,y, got %q", args[0])
		}
		var m geometry.Metric
		switch metricName {
		case "euclidean":
			m = geometry.EuclideanMetric
		case "haversine":
			m = geometry.HaversineMetric
		default:
			return fmt.Errorf("unknown metric %q", metricName)
		}
		ds, err := indexedDataset(ctx, inputFile, indexName)
		if err != nil {
			return err
		}
		neighbors, err := spatial.KNN(ctx, ds, geom.Coord(nums), numNeighbors, m)
		if err != nil {
			return err
		}
		w, done, err := output()
		if err != nil {
			return err
		}
		defer done()
		cw := csv.NewWriter(w)
		for _, n := range neighbors {
			if err := cw.Write([]string{n.Value, strconv.FormatFloat(n.Distance, 'g', -1, 64), strconv.Itoa(n.Partition)}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <left.csv> <right.csv>",
	Short: "Print the id pairs of two record sets matching a spatial predicate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pred, err := parsePredicate(predicate, distance)
		if err != nil {
			return err
		}
		left, err := readRecordsFile(args[0])
		if err != nil {
			return err
		}
		right, err := readRecordsFile(args[1])
		if err != nil {
			return err
		}
		both := spatial.NewDataset(append(append([]models.Record[string](nil), left...), right...), datasetOptions()...)
		p, err := newPartitioner(ctx, both)
		if err != nil {
			return err
		}
		start := time.Now()
		pairs, err := spatial.Join(ctx,
			spatial.NewDataset(left, datasetOptions()...),
			spatial.NewDataset(right, datasetOptions()...),
			pred, p)
		if err != nil {
			return err
		}
		log.Info("join done", "predicate", pred, "pairs", len(pairs), "took", time.Since(start))
		w, done, err := output()
		if err != nil {
			return err
		}
		defer done()
		cw := csv.NewWriter(w)
		for _, pr := range pairs {
			if err := cw.Write([]string{pr.Left.Value, pr.Right.Value}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	},
}

var skylineCmd = &cobra.Command{
	Use:   "skyline <input.csv>",
	Short: "Print the records not dominated in distance and time from a reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		records, err := readRecordsFile(args[0])
		if err != nil {
			return err
		}
		g, err := parseGeometry(refGeom)
		if err != nil {
			return fmt.Errorf("failed to parse reference: %w", err)
		}
		ref := models.NewRecord(g, "ref")
		if refTime != "" {
			if ref.Time, err = time.Parse(time.RFC3339, refTime); err != nil {
				return fmt.Errorf("failed to parse reference time: %w", err)
			}
		}
		mapFn := skyline.SpatioTemporal[string]()
		if spatialOnly {
			mapFn = skyline.Spatial[string]()
		}
		opts := []skyline.Option{skyline.WithLogger(log), skyline.WithExecutor(newExecutor())}

		var res *skyline.Result[string]
		if aggregate {
			res, err = skyline.Aggregate(ctx, records, ref, mapFn, skyline.Dominates, opts...)
		} else {
			ppd := skylinePPD
			if ppd == 0 {
				ppd = cfg.PartitionsPerDimension
			}
			res, err = skyline.Compute(ctx, records, ref, mapFn, skyline.Dominates, ppd, opts...)
		}
		if err != nil {
			return err
		}
		reportDropped("skyline", res.Dropped)
		log.Info("skyline done", "points", len(res.Points), "partitions", res.Partitions, "pruned", res.Pruned)

		w, done, err := output()
		if err != nil {
			return err
		}
		defer done()
		cw := csv.NewWriter(w)
		for _, p := range res.Points {
			row := []string{p.Record.Value}
			for _, c := range p.Coords {
				row = append(row, strconv.FormatFloat(c, 'g', -1, 64))
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster <input.csv>",
	Short: "Label records with DBSCAN clusters of their centroids",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		records, err := readRecordsFile(args[0])
		if err != nil {
			return err
		}
		ds := spatial.NewDataset(records, datasetOptions()...)
		start := time.Now()
		res, err := dbscan.Cluster(ctx, ds, dbscan.Options[string, string]{
			MinPts:           minPts,
			Epsilon:          epsilon,
			Key:              func(r models.Record[string]) string { return r.Value },
			IncludeNoise:     includeNoise,
			MaxPartitionCost: cfg.MaxCost,
		})
		if err != nil {
			return err
		}
		reportDropped("cluster", res.Dropped)
		log.Info("cluster done", "clusters", res.Clusters, "noise", res.Noise, "partitions", res.Partitions, "took", time.Since(start))

		w, done, err := output()
		if err != nil {
			return err
		}
		defer done()
		cw := csv.NewWriter(w)
		for _, a := range res.Assignments {
			if err := cw.Write([]string{a.Key, strconv.Itoa(int(a.Label)), strconv.FormatBool(a.Core)}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	},
}

func init() {
	generateCmd.Flags().IntVarP(&numRecords, "records", "n", 100000, "Number of records to generate")
	generateCmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	generateCmd.Flags().Float64Var(&rectFraction, "rect-fraction", 0.1, "Fraction of records that are boxes instead of points")

	indexCmd.Flags().StringVar(&indexName, "name", "default", "Name of the saved index")

	for _, c := range []*cobra.Command{filterCmd, knnCmd} {
		c.Flags().StringVarP(&inputFile, "input", "i", "", "Input CSV; when empty the saved index is used")
		c.Flags().StringVar(&indexName, "name", "default", "Name of the saved index")
	}
	for _, c := range []*cobra.Command{filterCmd, joinCmd} {
		c.Flags().StringVarP(&predicate, "predicate", "p", "intersects", "intersects, contains, containedBy or within")
		c.Flags().Float64VarP(&distance, "distance", "d", 0, "Distance for the within predicate")
	}
	filterCmd.Flags().StringVarP(&queryGeom, "query", "q", "", "Query geometry as WKT, x,y or minX,minY,maxX,maxY")
	_ = filterCmd.MarkFlagRequired("query")

	knnCmd.Flags().IntVarP(&numNeighbors, "neighbors", "k", 10, "Number of nearest neighbors to find")
	knnCmd.Flags().StringVarP(&metricName, "metric", "m", "euclidean", "euclidean or haversine")

	skylineCmd.Flags().StringVarP(&refGeom, "ref", "r", "0,0", "Reference geometry")
	skylineCmd.Flags().StringVar(&refTime, "ref-time", "", "Reference time (RFC 3339)")
	skylineCmd.Flags().BoolVar(&aggregate, "aggregate", false, "Use the single-pass aggregate instead of the pruned grid")
	skylineCmd.Flags().BoolVar(&spatialOnly, "spatial", false, "Only compare distance, ignoring time")
	skylineCmd.Flags().IntVar(&skylinePPD, "skyline-ppd", 0, "Distance-space grid cells per dimension (0 = partitions-per-dimension)")

	clusterCmd.Flags().Float64VarP(&epsilon, "eps", "e", 0.5, "Neighborhood radius")
	clusterCmd.Flags().IntVar(&minPts, "min-pts", 5, "Neighbors, including the point itself, that make a core point")
	clusterCmd.Flags().BoolVar(&includeNoise, "include-noise", false, "Print noise records too")

	for _, c := range []*cobra.Command{generateCmd, filterCmd, knnCmd, joinCmd, skylineCmd, clusterCmd, postgisExportCmd} {
		c.Flags().StringVarP(&outFile, "out", "o", "-", "Output file")
	}
}

func output() (*os.File, func(), error) {
	if outFile == "" || outFile == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(outFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func parsePredicate(name string, d float64) (geometry.Predicate, error) {
	switch strings.ToLower(name) {
	case "intersects":
		return geometry.Intersects, nil
	case "contains":
		return geometry.Contains, nil
	case "containedby":
		return geometry.ContainedBy, nil
	case "within", "withindistance":
		return geometry.WithinDistance(d), nil
	}
	return geometry.Predicate{}, fmt.Errorf("unknown predicate %q", name)
}

func printStats(st spatial.Stats, dropped int, took time.Duration) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("%s partitioner", cfg.Partitioner)))
	minCount, maxCount := math.MaxInt, 0
	for i, n := range st.Counts {
		minCount, maxCount = min(minCount, n), max(maxCount, n)
		fmt.Printf("  %4d  %8d  %s\n", i, n, dimStyle.Render(st.Extents[i].String()))
	}
	if len(st.Counts) == 0 {
		minCount = 0
	}
	mean := 0.0
	if st.Partitions > 0 {
		mean = float64(st.Records) / float64(st.Partitions)
	}
	fmt.Printf("Records: %s  Dropped: %s  Partitions: %s\n",
		statStyle.Render(strconv.Itoa(st.Records)), statStyle.Render(strconv.Itoa(dropped)), statStyle.Render(strconv.Itoa(st.Partitions)))
	fmt.Printf("Min/Mean/Max per partition: %d / %.1f / %d\n", minCount, mean, maxCount)
	if mean > 0 {
		fmt.Printf("Imbalance (max/mean): %s\n", statStyle.Render(fmt.Sprintf("%.2f", float64(maxCount)/mean)))
	}
	fmt.Printf("Took %v\n", took)
}
