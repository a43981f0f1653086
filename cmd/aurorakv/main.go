package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/nconghau/AuroraKV/internal/config"
	"github.com/nconghau/AuroraKV/internal/lsm"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	dataDir    string

	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer
}

func main() {
	a := &app{}
	root := a.rootCmd()
	err := root.Execute()
	if a.logFile != nil {
		a.logFile.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aurorakv",
		Short:         "AuroraKV embedded LSM key-value store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		// Without a subcommand the interactive shell starts.
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runShell(cmd.OutOrStdout())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "path to the JSON config file")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (overrides config)")

	root.AddCommand(
		a.oneShot("put <key> <value>", "Store a value", cobra.ExactArgs(2),
			func(s *session, args []string) error { return s.put(args[0], args[1]) }),
		a.oneShot("get <key>", "Read a value", cobra.ExactArgs(1),
			func(s *session, args []string) error { return s.get(args[0]) }),
		a.oneShot("delete <key>", "Delete a key", cobra.ExactArgs(1),
			func(s *session, args []string) error { return s.delete(args[0]) }),
		a.scanCmd(),
		a.oneShot("flush", "Write the memtable to level 0", cobra.NoArgs,
			func(s *session, args []string) error { return s.flush() }),
		a.oneShot("compact", "Run one compaction pass", cobra.NoArgs,
			func(s *session, args []string) error { return s.compact() }),
		a.oneShot("start <leveling|tiering>", "Set the compaction strategy", cobra.ExactArgs(1),
			func(s *session, args []string) error { return s.start(args[0]) }),
		a.oneShot("stats", "Print engine counters", cobra.NoArgs,
			func(s *session, args []string) error { return s.stats() }),
		a.oneShot("levels", "Print sstables per level", cobra.NoArgs,
			func(s *session, args []string) error { return s.levels() }),
		a.oneShot("dump <file> [json|raw]", "Export all live pairs", cobra.RangeArgs(1, 2),
			func(s *session, args []string) error { return s.dump(args[0], formatArg(args)) }),
		a.oneShot("restore <file> [json|raw]", "Import a dump", cobra.RangeArgs(1, 2),
			func(s *session, args []string) error { return s.restore(args[0], formatArg(args)) }),
		&cobra.Command{
			Use:   "shell",
			Short: "Interactive shell",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.runShell(cmd.OutOrStdout())
			},
		},
		a.serveCmd(),
	)
	return root
}

// setup loads config and installs the default logger.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" && cfg.LogFile != "-" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return errors.Wrap(err, "create log dir")
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		out = f
		a.logFile = f
	}
	a.logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	a.cfg = cfg
	return nil
}

func (a *app) openEngine() (*lsm.LSMEngine, error) {
	a.logger.Info("Opening database", "dir", a.cfg.DataDir, "pid", os.Getpid())
	return lsm.Open(a.cfg.EngineOptions(a.logger))
}

// withSession opens the engine, runs fn, then flushes and closes.
func (a *app) withSession(out io.Writer, fn func(*session) error) (err error) {
	db, err := a.openEngine()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, db.Flush())
		err = errors.CombineErrors(err, db.Close())
	}()
	return fn(&session{db: db, out: out, dataDir: a.cfg.DataDir})
}

func (a *app) oneShot(use, short string, args cobra.PositionalArgs, fn func(*session, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			return a.withSession(cmd.OutOrStdout(), func(s *session) error {
				return fn(s, argv)
			})
		},
	}
}

func (a *app) scanCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan [start] [end]",
		Short: "List live pairs in [start, end)",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end := "", ""
			if len(args) > 0 {
				start = args[0]
			}
			if len(args) > 1 {
				end = args[1]
			}
			return a.withSession(cmd.OutOrStdout(), func(s *session) error {
				return s.scan(start, end, limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many pairs (0 for all)")
	return cmd
}

func (a *app) runShell(out io.Writer) error {
	return a.withSession(out, func(s *session) error {
		rl, err := newReadline(s)
		if err != nil {
			return err
		}
		defer rl.Close()
		fmt.Fprintln(out, ColorGreen+"AuroraKV shell, data dir "+strconv.Quote(a.cfg.DataDir)+ColorReset)
		printHelp(out)
		RunShell(s, rl)
		return nil
	})
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.HTTPAddr
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.withSession(cmd.OutOrStdout(), func(s *session) error {
				return newServer(s.db, a.logger).ListenAndServe(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
