package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/intellect4all/mvcc-lsm/lsm"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "lsmctl",
		Usage: "inspect and modify an mvcc-lsm data directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "data directory",
				Value:   "./data",
				Sources: cli.EnvVars("MVCC_LSM_DIR"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML config file, defaults are used when empty",
				Sources: cli.EnvVars("MVCC_LSM_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "engine log level, overrides the config file",
			},
		},
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			deleteCommand(),
			scanCommand(),
			statsCommand(),
			compactCommand(),
			flushCommand(),
			metricsCommand(),
		},
	}
}

func loadConfig(cmd *cli.Command) (lsm.Config, error) {
	config := lsm.DefaultConfig()
	if path := cmd.String("config"); path != "" {
		var err error
		if config, err = lsm.LoadConfig(path); err != nil {
			return lsm.Config{}, err
		}
	}
	if level := cmd.String("log-level"); level != "" {
		config.LogLevel = level
	}
	return config, nil
}

// withEngine opens the engine for the duration of fn. Close flushes every
// memtable, so writes made by one invocation are in SSTables for the next.
func withEngine(cmd *cli.Command, config lsm.Config, fn func(*lsm.LSM) error) (err error) {
	engine, err := lsm.Open(cmd.String("dir"), config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := engine.Close(); err == nil {
			err = closeErr
		}
	}()
	return fn(engine)
}

func run(fn func(ctx context.Context, cmd *cli.Command, engine *lsm.LSM) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return withEngine(cmd, config, func(engine *lsm.LSM) error {
			return fn(ctx, cmd, engine)
		})
	}
}

func requireArgs(cmd *cli.Command, n int) error {
	if cmd.Args().Len() != n {
		return errors.Errorf("%s expects %d argument(s), got %d", cmd.Name, n, cmd.Args().Len())
	}
	return nil
}

func atFlag() cli.Flag {
	return &cli.Uint64Flag{
		Name:  "at",
		Usage: "read timestamp, the latest commit when zero",
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "store a value",
		ArgsUsage: "KEY VALUE",
		Action: run(func(_ context.Context, cmd *cli.Command, engine *lsm.LSM) error {
			if err := requireArgs(cmd, 2); err != nil {
				return err
			}
			if err := engine.Put([]byte(cmd.Args().Get(0)), []byte(cmd.Args().Get(1))); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "ok ts=%d\n", engine.LatestCommitTs())
			return nil
		}),
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "print the value of a key",
		ArgsUsage: "KEY",
		Flags:     []cli.Flag{atFlag()},
		Action: run(func(_ context.Context, cmd *cli.Command, engine *lsm.LSM) error {
			if err := requireArgs(cmd, 1); err != nil {
				return err
			}
			key := []byte(cmd.Args().First())

			var value []byte
			var found bool
			var err error
			if ts := cmd.Uint64("at"); ts > 0 {
				value, found, err = engine.GetAt(key, ts)
			} else {
				value, found, err = engine.Get(key)
			}
			if err != nil {
				return err
			}
			if !found {
				return errors.Errorf("key %q not found", key)
			}
			fmt.Fprintf(cmd.Root().Writer, "%s\n", value)
			return nil
		}),
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "write a tombstone for a key",
		ArgsUsage: "KEY",
		Action: run(func(_ context.Context, cmd *cli.Command, engine *lsm.LSM) error {
			if err := requireArgs(cmd, 1); err != nil {
				return err
			}
			if err := engine.Delete([]byte(cmd.Args().First())); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "ok ts=%d\n", engine.LatestCommitTs())
			return nil
		}),
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "print live keys in [start, end)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start", Usage: "first key, unbounded when empty"},
			&cli.StringFlag{Name: "end", Usage: "exclusive end key, unbounded when empty"},
			&cli.IntFlag{Name: "limit", Usage: "stop after this many entries, 0 for all"},
			atFlag(),
		},
		Action: run(func(ctx context.Context, cmd *cli.Command, engine *lsm.LSM) error {
			lower, upper := lsm.UnboundedBound(), lsm.UnboundedBound()
			if s := cmd.String("start"); s != "" {
				lower = lsm.IncludedBound([]byte(s))
			}
			if s := cmd.String("end"); s != "" {
				upper = lsm.ExcludedBound([]byte(s))
			}

			var it *lsm.Iterator
			var err error
			if ts := cmd.Uint64("at"); ts > 0 {
				it, err = engine.ScanAt(lower, upper, ts)
			} else {
				it, err = engine.Scan(lower, upper)
			}
			if err != nil {
				return err
			}
			defer it.Close()

			limit := cmd.Int("limit")
			for n := 0; it.Valid() && (limit <= 0 || n < limit); n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.Root().Writer, "%s\t%s\n", it.Key(), it.Value())
				if err := it.Next(); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print engine statistics",
		Action: run(func(_ context.Context, cmd *cli.Command, engine *lsm.LSM) error {
			s := engine.Stats()
			w := cmd.Root().Writer
			fmt.Fprintf(w, "latest commit ts: %d\n", s.LatestCommitTs)
			fmt.Fprintf(w, "watermark:        %d\n", s.Watermark)
			fmt.Fprintf(w, "memtable:         %s, %d entries, %d immutable\n",
				units.BytesSize(float64(s.MemTableBytes)), s.MemTableEntries, s.ImmMemTables)
			for level, n := range s.LevelTables {
				fmt.Fprintf(w, "L%d:               %d tables, %s\n", level, n, units.BytesSize(float64(s.LevelBytes[level])))
			}
			return nil
		}),
	}
}

func compactCommand() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "flush memtables and compact every table into the bottom level",
		Action: run(func(_ context.Context, cmd *cli.Command, engine *lsm.LSM) error {
			start := time.Now()
			if err := engine.ForceFreezeMemtable(); err != nil {
				return err
			}
			for engine.Stats().ImmMemTables > 0 {
				if err := engine.ForceFlushNextImmMemtable(); err != nil {
					return err
				}
			}
			if err := engine.ForceFullCompaction(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "compacted in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		}),
	}
}

func flushCommand() *cli.Command {
	return &cli.Command{
		Name:  "flush",
		Usage: "freeze the active memtable and flush it to L0",
		Action: run(func(_ context.Context, cmd *cli.Command, engine *lsm.LSM) error {
			if err := engine.ForceFreezeMemtable(); err != nil {
				return err
			}
			flushed := 0
			for engine.Stats().ImmMemTables > 0 {
				if err := engine.ForceFlushNextImmMemtable(); err != nil {
					return err
				}
				flushed++
			}
			fmt.Fprintf(cmd.Root().Writer, "flushed %d memtable(s)\n", flushed)
			return nil
		}),
	}
}

func metricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve-metrics",
		Usage: "keep the engine open and expose Prometheus metrics until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":9100", Usage: "listen address"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			config.Registerer = reg

			return withEngine(cmd, config, func(*lsm.LSM) error {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
				srv := &http.Server{Addr: cmd.String("addr"), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Fprintf(cmd.Root().Writer, "serving metrics on %s\n", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return errors.Annotate(err, "metrics server failed")
				}
				return nil
			})
		},
	}
}
