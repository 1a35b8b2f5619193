package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kass/go-geo-partition/pkg/geometry"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/postgis"
)

var postgisCmd = &cobra.Command{
	Use:   "postgis",
	Short: "Move records between CSV and PostGIS and cross-check extent counts",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is not set")
		}
		return nil
	},
}

var postgisLoadCmd = &cobra.Command{
	Use:   "load <input.csv>",
	Short: "Create the table and bulk insert records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		records, err := readRecordsFile(args[0])
		if err != nil {
			return err
		}
		src, err := postgis.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer src.Close()

		start := time.Now()
		if err := src.InitSchema(ctx, tableName); err != nil {
			return err
		}
		if err := src.BulkInsert(ctx, tableName, records); err != nil {
			return err
		}
		if err := src.CreateSpatialIndex(ctx, tableName, "geom"); err != nil {
			return err
		}
		n, err := src.Count(ctx, tableName)
		if err != nil {
			return err
		}
		fmt.Printf("Loaded %s rows into %s in %v\n", statStyle.Render(fmt.Sprint(n)), tableName, time.Since(start))
		return nil
	},
}

var postgisExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a table's rows as id,wkt CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		src, err := postgis.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer src.Close()
		records, err := src.Records(ctx, tableName, "id", "geom")
		if err != nil {
			return err
		}
		w, done, err := output()
		if err != nil {
			return err
		}
		defer done()
		return writeRecords(w, records)
	},
}

var postgisCheckCmd = &cobra.Command{
	Use:   "check <input.csv> <minX,minY,maxX,maxY>",
	Short: "Compare the bounding-box count of a rectangle with PostGIS",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		nums, ok := parseFloats(args[1])
		if !ok || len(nums) != 4 {
			return fmt.Errorf("expected minX,minY,maxX,maxY, got %q", args[1])
		}
		e := geometry.Rect(nums[0], nums[1], nums[2], nums[3])
		records, err := readRecordsFile(args[0])
		if err != nil {
			return err
		}
		local := countInExtent(records, e)

		src, err := postgis.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer src.Close()
		remote, err := src.CountInExtent(ctx, tableName, "geom", e)
		if err != nil {
			return err
		}
		fmt.Printf("local %d, postgis %d\n", local, remote)
		if local != remote {
			return fmt.Errorf("count mismatch in %v: local %d, postgis %d", e, local, remote)
		}
		return nil
	},
}

func init() {
	postgisCmd.PersistentFlags().StringVarP(&tableName, "table", "t", "geo_records", "Table name")
	postgisCmd.AddCommand(postgisLoadCmd, postgisExportCmd, postgisCheckCmd)
}

// countInExtent counts the records whose bounding box intersects e, which is
// what PostGIS's && operator matches.
func countInExtent(records []models.Record[string], e geometry.Extent) int64 {
	var n int64
	for _, r := range records {
		box, err := geometry.ExtentOf(r.Geometry)
		if err != nil {
			continue
		}
		if box.Intersects(e) {
			n++
		}
	}
	return n
}
