package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/kass/go-geo-partition/pkg/config"
	"github.com/kass/go-geo-partition/pkg/engine"
	"github.com/kass/go-geo-partition/pkg/logger"
	"github.com/kass/go-geo-partition/pkg/metrics"
	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/partition"
	"github.com/kass/go-geo-partition/pkg/spatial"
	"github.com/kass/go-geo-partition/pkg/store"
)

var (
	cfg *config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "geopart",
	Short: "Spatial partitioning and distributed spatial queries",
	Long: `Partition geometry collections with a uniform grid or a cost-based BSP,
index every partition with an R-tree and run filter, join, kNN, skyline and
DBSCAN queries across the partitions in parallel.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cmd.Root().PersistentFlags())
		if err != nil {
			return err
		}
		cfg = c
		log = logger.Setup(cfg.LogLevel, cfg.LogFormat)
		if cfg.MetricsAddr != "" {
			serveMetrics(cfg.MetricsAddr)
		}
		return nil
	},
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(
		generateCmd,
		partitionCmd,
		indexCmd,
		filterCmd,
		knnCmd,
		joinCmd,
		skylineCmd,
		clusterCmd,
		postgisCmd,
		configCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
}

func newExecutor() *engine.Executor {
	return engine.New(cfg.Workers, engine.WithLogger(log))
}

func datasetOptions() []spatial.Option {
	return []spatial.Option{spatial.WithLogger(log), spatial.WithExecutor(newExecutor())}
}

// newPartitioner builds the configured partitioner over ds.
func newPartitioner(ctx context.Context, ds *spatial.Dataset[string]) (partition.Partitioner, error) {
	if cfg.Partitioner == partition.KindGrid {
		return spatial.NewGridPartitioner(ctx, ds, cfg.PartitionsPerDimension)
	}
	return spatial.NewBSPPartitioner(ctx, ds, cfg.SideLength, cfg.MaxCost)
}

// indexedDataset reads records from path and indexes them with the configured
// partitioner, or loads the named index from the store when path is empty.
func indexedDataset(ctx context.Context, path, name string) (*spatial.Dataset[string], error) {
	if path == "" {
		s, err := store.Open(cfg.Store)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		return store.Load[string](ctx, s, name, datasetOptions()...)
	}

	records, err := readRecordsFile(path)
	if err != nil {
		return nil, err
	}
	raw := spatial.NewDataset(records, datasetOptions()...)
	p, err := newPartitioner(ctx, raw)
	if err != nil {
		return nil, err
	}
	return spatial.Index(ctx, raw, p, cfg.Order)
}

func reportDropped(op string, dropped []models.RecordError) {
	if len(dropped) == 0 {
		return
	}
	log.Warn("records dropped", "op", op, "count", len(dropped), "first", dropped[0].Error())
	for _, d := range dropped {
		log.Debug("dropped record", "op", op, "index", d.Index, "error", d.Err)
	}
}
