package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/intellect4all/mvcc-lsm/common/benchmark"
	"github.com/intellect4all/mvcc-lsm/lsm"
	"github.com/pingcap/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// variants maps a name to an adjustment of the base engine config.
var variants = map[string]func(*lsm.Config){
	"leveled": func(c *lsm.Config) {},
	"none": func(c *lsm.Config) {
		c.CompactionStyle = lsm.CompactionNone
	},
	"no-wal": func(c *lsm.Config) {
		c.EnableWAL = false
	},
	"sync": func(c *lsm.Config) {
		c.SyncWrites = true
	},
	"snapshot": func(c *lsm.Config) {
		c.Serializable = false
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "benchmark: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "benchmark",
		Usage: "run throughput and latency workloads against engine variants",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "quick", Usage: "run the short workload set"},
			&cli.StringFlag{Name: "workload", Value: "all", Usage: "workload name to run, or all"},
			&cli.DurationFlag{Name: "duration", Usage: "override the measured duration of each workload"},
			&cli.DurationFlag{Name: "warmup", Value: -1, Usage: "override the warm-up duration, negative keeps the workload default"},
			&cli.IntFlag{Name: "concurrency", Usage: "override the number of workers"},
			&cli.StringSliceFlag{
				Name:  "variant",
				Value: []string{"leveled"},
				Usage: "engine variants to compare: " + strings.Join(variantNames(), ", "),
			},
			&cli.StringFlag{Name: "config", Usage: "TOML config used as the base for every variant"},
			&cli.StringFlag{Name: "dir", Usage: "parent directory for engine data, a temp dir when empty"},
			&cli.BoolFlag{Name: "verbose", Usage: "log progress and engine events"},
		},
		Action: runBenchmarks,
	}
}

func variantNames() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func selectWorkloads(cmd *cli.Command) ([]benchmark.Config, error) {
	configs := benchmark.StandardWorkloads()
	if cmd.Bool("quick") {
		configs = benchmark.QuickWorkloads()
	}
	if name := cmd.String("workload"); name != "all" {
		configs = slices.DeleteFunc(configs, func(c benchmark.Config) bool { return c.Name != name })
		if len(configs) == 0 {
			return nil, errors.Errorf("unknown workload %q", name)
		}
	}
	for i := range configs {
		if d := cmd.Duration("duration"); d > 0 {
			configs[i].Duration = d
		}
		if d := cmd.Duration("warmup"); d >= 0 {
			configs[i].Warmup = d
		}
		if n := cmd.Int("concurrency"); n > 0 {
			configs[i].Concurrency = n
		}
	}
	return configs, nil
}

func runBenchmarks(ctx context.Context, cmd *cli.Command) error {
	logger := zap.NewNop()
	if cmd.Bool("verbose") {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer logger.Sync()
	}

	configs, err := selectWorkloads(cmd)
	if err != nil {
		return err
	}

	base := lsm.DefaultConfig()
	if path := cmd.String("config"); path != "" {
		if base, err = lsm.LoadConfig(path); err != nil {
			return err
		}
	}
	base.Logger = logger

	root := cmd.String("dir")
	if root == "" {
		if root, err = os.MkdirTemp("", "mvcc-lsm-bench-*"); err != nil {
			return errors.Trace(err)
		}
		defer os.RemoveAll(root)
	}

	var selected []benchmark.Variant
	names := cmd.StringSlice("variant")
	for _, name := range names {
		adjust, ok := variants[name]
		if !ok {
			return errors.Errorf("unknown variant %q, want one of %s", name, strings.Join(variantNames(), ", "))
		}
		config := base
		adjust(&config)
		runs := 0
		selected = append(selected, benchmark.Variant{
			Name: name,
			Open: func() (common.StorageEngine, error) {
				runs++
				dir, err := os.MkdirTemp(root, fmt.Sprintf("%s-%d-*", name, runs))
				if err != nil {
					return nil, errors.Trace(err)
				}
				return lsm.NewAdapter(dir, config)
			},
		})
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	out := cmd.Root().Writer
	start := time.Now()
	suite := benchmark.NewComparisonSuite(logger)
	suite.SetWorkloads(configs)
	results := suite.RunComparison(selected)

	for _, name := range names {
		fmt.Fprintf(out, "\n=== %s ===\n", name)
		for _, r := range results[name] {
			if r != nil {
				benchmark.PrintResult(out, r)
			}
		}
	}
	printSummary(out, suite, names, results, time.Since(start))
	return nil
}

func printSummary(out io.Writer, suite *benchmark.ComparisonSuite, names []string, results map[string][]*benchmark.Result, elapsed time.Duration) {
	fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
	fmt.Fprintf(out, "SUMMARY (%d workloads x %d variants in %s)\n", len(suite.Workloads()), len(names), elapsed.Round(time.Second))
	fmt.Fprintln(out, strings.Repeat("=", 80))
	suite.PrintComparisonTable(out, names, results)
}
